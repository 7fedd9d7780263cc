package memtransport

import (
	"context"
	"testing"

	"github.com/beenet-mesh/meshfs/pkg/overlay"
)

func TestBroadcastDeliversToAllPeers(t *testing.T) {
	net := NewNetwork()
	a := New(net, "node-a")
	b := New(net, "node-b")
	c := New(net, "node-c")

	var gotB, gotC []byte
	b.OnBroadcast(func(data []byte) { gotB = data })
	c.OnBroadcast(func(data []byte) { gotC = data })

	if err := a.BroadcastSend([]byte("hello")); err != nil {
		t.Fatalf("BroadcastSend: %v", err)
	}

	if string(gotB) != "hello" || string(gotC) != "hello" {
		t.Errorf("broadcast not delivered to all peers: b=%q c=%q", gotB, gotC)
	}
}

func TestAnnounceDoesNotLoopBackToSelf(t *testing.T) {
	net := NewNetwork()
	a := New(net, "node-a")
	b := New(net, "node-b")

	var selfFired bool
	var gotFrom, gotData string
	a.OnAnnounce(func(string, []byte) { selfFired = true })
	b.OnAnnounce(func(from string, data []byte) { gotFrom = from; gotData = string(data) })

	if err := a.Announce([]byte("CSabc")); err != nil {
		t.Fatalf("Announce: %v", err)
	}

	if selfFired {
		t.Error("announce should not be delivered back to the sender")
	}
	if gotFrom != "node-a" || gotData != "CSabc" {
		t.Errorf("got (%q, %q), want (node-a, CSabc)", gotFrom, gotData)
	}
}

func TestLinkRequestResponse(t *testing.T) {
	net := NewNetwork()
	a := New(net, "node-a")
	b := New(net, "node-b")

	b.OnIncomingLink(func(l overlay.Link) {
		l.OnRequest(func(ctx context.Context, req overlay.IncomingRequest) ([]byte, error) {
			if req.Method != "RH" {
				t.Errorf("unexpected method %q", req.Method)
			}
			return []byte("response:" + string(req.Data)), nil
		})
	})

	link, err := a.Link(context.Background(), "node-b")
	if err != nil {
		t.Fatalf("Link: %v", err)
	}
	defer link.Close()

	resp, err := link.Request(context.Background(), "RH", []byte("hash123"))
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if string(resp) != "response:hash123" {
		t.Errorf("got %q, want %q", resp, "response:hash123")
	}
	if link.RemoteHexHash() != "node-b" {
		t.Errorf("RemoteHexHash = %q, want node-b", link.RemoteHexHash())
	}
}

func TestLinkCloseInvokesOnClosed(t *testing.T) {
	net := NewNetwork()
	a := New(net, "node-a")
	New(net, "node-b")

	link, err := a.Link(context.Background(), "node-b")
	if err != nil {
		t.Fatalf("Link: %v", err)
	}

	closed := false
	link.OnClosed(func(error) { closed = true })

	if err := link.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !closed {
		t.Error("OnClosed handler was not invoked")
	}
}
