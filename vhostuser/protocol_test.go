package vhostuser

import "testing"

func TestMessageHeaderRoundTrip(t *testing.T) {
	hdr := MessageHeader{Request: uint32(ReqGetConfig), Flags: 0x1, Size: 36}

	buf := make([]byte, MessageHeaderSize)
	EncodeMessageHeader(buf, hdr)

	got := DecodeMessageHeader(buf)
	if got != hdr {
		t.Fatalf("DecodeMessageHeader(EncodeMessageHeader(hdr)) = %+v, want %+v", got, hdr)
	}
}

func TestDecodeMessageHeaderFieldOrder(t *testing.T) {
	buf := []byte{
		0x01, 0x00, 0x00, 0x00, // Request = 1
		0x02, 0x00, 0x00, 0x00, // Flags = 2
		0x0c, 0x00, 0x00, 0x00, // Size = 12
	}
	hdr := DecodeMessageHeader(buf)
	if hdr.Request != 1 || hdr.Flags != 2 || hdr.Size != 12 {
		t.Fatalf("DecodeMessageHeader = %+v, want {1 2 12}", hdr)
	}
}

func TestQueueFeedPopPushNotify(t *testing.T) {
	var q MemQueue
	q.Feed(Element{Index: 3}, Element{Index: 4})

	e, ok := q.Pop()
	if !ok || e.Index != 3 {
		t.Fatalf("Pop() = %+v, %v, want index 3, true", e, ok)
	}

	if err := q.Push(e, 128); err != nil {
		t.Fatalf("Push returned error: %v", err)
	}
	if err := q.Notify(); err != nil {
		t.Fatalf("Notify returned error: %v", err)
	}

	pushed := q.Pushed()
	if len(pushed) != 1 || pushed[0].Index != 3 || pushed[0].UsedLen != 128 {
		t.Fatalf("Pushed() = %+v, want one record {3 128}", pushed)
	}
	if q.Notifications() != 1 {
		t.Fatalf("Notifications() = %d, want 1", q.Notifications())
	}

	e2, ok := q.Pop()
	if !ok || e2.Index != 4 {
		t.Fatalf("second Pop() = %+v, %v, want index 4, true", e2, ok)
	}

	if _, ok := q.Pop(); ok {
		t.Fatal("Pop() on an empty queue returned ok=true")
	}
}

func TestMemTransportQueueKickFDUnknown(t *testing.T) {
	tr := NewMemTransport()
	if _, err := tr.QueueKickFD(0); err == nil {
		t.Fatal("QueueKickFD for an unregistered queue should return an error")
	}
}

func TestMemTransportAddQueueAndDispatch(t *testing.T) {
	tr := NewMemTransport()
	q := &MemQueue{}
	tr.AddQueue(2, q, 42)

	if tr.GetQueue(2) != q {
		t.Fatal("GetQueue did not return the registered queue")
	}
	fd, err := tr.QueueKickFD(2)
	if err != nil || fd != 42 {
		t.Fatalf("QueueKickFD(2) = %d, %v, want 42, nil", fd, err)
	}

	// Dispatch defaults to a no-op.
	if err := tr.Dispatch(); err != nil {
		t.Fatalf("default Dispatch() returned error: %v", err)
	}

	called := false
	tr.SetDispatchFunc(func() error {
		called = true
		return nil
	})
	if err := tr.Dispatch(); err != nil || !called {
		t.Fatalf("Dispatch() after SetDispatchFunc: err=%v called=%v", err, called)
	}
}

func TestMemTransportRegisterCallbacks(t *testing.T) {
	tr := NewMemTransport()
	cb := Callbacks{GetFeatures: func() uint64 { return FeatureVersion1 }}
	tr.RegisterCallbacks(cb)

	got := tr.Callbacks()
	if got.GetFeatures == nil || got.GetFeatures() != FeatureVersion1 {
		t.Fatal("Callbacks() did not return the registered table")
	}
}

func TestElementReadableWritableCounts(t *testing.T) {
	e := Element{
		Out:       make([][]byte, 3),
		In:        make([][]byte, 2),
		BadOutNum: 1,
		BadInNum:  2,
		InSpans:   []Span{{Addr: 0x1000, Len: 4096}},
	}

	if got := e.OutReadable(); got != 2 {
		t.Errorf("OutReadable() = %d, want 2", got)
	}
	if got := e.InWritable(); got != 0 {
		t.Errorf("InWritable() = %d, want 0", got)
	}
	if spans := e.UnmappableIn(); len(spans) != 1 || spans[0].Addr != 0x1000 {
		t.Errorf("UnmappableIn() = %+v, want one span at 0x1000", spans)
	}
}
