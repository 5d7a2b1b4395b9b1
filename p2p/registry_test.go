package p2p

import (
	"errors"
	"testing"
	"time"
)

func newTestRegistry() (*Registry, *fakeNode, *fakeDirectory) {
	node := &fakeNode{}
	directory := &fakeDirectory{}
	r := NewRegistry(node, directory, testMyAddr)
	r.SetSettlingDelay(time.Millisecond)
	return r, node, directory
}

func TestRegistryAuthenticateDeduplicates(t *testing.T) {
	r, node, _ := newTestRegistry()
	defer r.Close()

	first := r.Authenticate(testPeerAddr)
	second := r.Authenticate(testPeerAddr)

	if first != second {
		t.Fatalf("concurrent rounds to the same peer must share one result")
	}
	if node.sentCount() != 1 {
		t.Fatalf("deduplicated round sent %d requests, want 1", node.sentCount())
	}
	if r.LiveCount() != 1 {
		t.Fatalf("live count = %d, want 1", r.LiveCount())
	}
}

func TestRegistryDistinctPeersRunIndependently(t *testing.T) {
	r, node, _ := newTestRegistry()
	defer r.Close()

	a := r.Authenticate("127.0.0.1:7651")
	b := r.Authenticate("127.0.0.1:7652")

	if a == b {
		t.Fatalf("distinct peers must not share a result")
	}
	if node.sentCount() != 2 {
		t.Fatalf("sent %d requests, want 2", node.sentCount())
	}
	if r.LiveCount() != 2 {
		t.Fatalf("live count = %d, want 2", r.LiveCount())
	}
}

func TestRegistryRemovesFinishedHandshake(t *testing.T) {
	r, node, directory := newTestRegistry()
	defer r.Close()

	result := r.Authenticate(testPeerAddr)
	request := node.sentAt(t, 0).msg.(AuthenticationRequest)

	node.deliver(AuthenticationChallenge{
		SenderAddress:  testPeerAddr,
		RequesterNonce: request.RequesterNonce,
		ResponderNonce: 42,
	}, &fakeConn{uid: "c"})
	node.sentAt(t, 1).result.Complete(&fakeConn{uid: "final"}, nil)

	<-result.Done()
	waitFor(t, time.Second, func() bool { return r.LiveCount() == 0 })

	authed := directory.authenticatedPeers()
	if len(authed) != 1 || authed[0] != testPeerAddr {
		t.Fatalf("peer not marked authenticated, got %v", authed)
	}

	// The slot is free again for a fresh round.
	fresh := r.Authenticate(testPeerAddr)
	if fresh == result {
		t.Fatalf("finished result reused for a new round")
	}
}

func TestRegistryFailedHandshakeNotMarkedAuthenticated(t *testing.T) {
	r, node, directory := newTestRegistry()
	defer r.Close()

	result := r.Authenticate(testPeerAddr)
	node.sentAt(t, 0).result.Complete(nil, errors.New("connection refused"))

	<-result.Done()
	waitFor(t, time.Second, func() bool { return r.LiveCount() == 0 })

	if got := directory.authenticatedPeers(); len(got) != 0 {
		t.Fatalf("failed handshake marked peer authenticated: %v", got)
	}
}

func TestRegistrySpawnsResponderForInboundRequest(t *testing.T) {
	r, _, _ := newTestRegistry()
	defer r.Close()

	inbound := &fakeConn{uid: "inbound", peerAddr: "127.0.0.1:50001"}
	r.OnMessage(AuthenticationRequest{SenderAddress: testPeerAddr, RequesterNonce: 7}, inbound)

	if !inbound.isClosed() {
		t.Fatalf("responder must close the inbound connection")
	}
	if r.LiveCount() != 1 {
		t.Fatalf("live count = %d, want 1", r.LiveCount())
	}
}

func TestRegistryDropsDuplicateInboundRequest(t *testing.T) {
	r, node, _ := newTestRegistry()
	defer r.Close()

	r.Authenticate(testPeerAddr)
	before := node.sentCount()

	inbound := &fakeConn{uid: "inbound"}
	r.OnMessage(AuthenticationRequest{SenderAddress: testPeerAddr, RequesterNonce: 7}, inbound)

	if inbound.isClosed() {
		t.Fatalf("duplicate inbound request must not start a responder round")
	}
	if r.LiveCount() != 1 {
		t.Fatalf("live count = %d, want 1", r.LiveCount())
	}
	if node.sentCount() != before {
		t.Fatalf("duplicate inbound request triggered a send")
	}
}

func TestRegistryRejectsBadSenderAddresses(t *testing.T) {
	r, _, _ := newTestRegistry()
	defer r.Close()

	undialable := &fakeConn{uid: "a"}
	r.OnMessage(AuthenticationRequest{SenderAddress: "not-an-address", RequesterNonce: 7}, undialable)
	if undialable.isClosed() || r.LiveCount() != 0 {
		t.Fatalf("undialable sender address must be dropped")
	}

	self := &fakeConn{uid: "b"}
	r.OnMessage(AuthenticationRequest{SenderAddress: testMyAddr, RequesterNonce: 7}, self)
	if self.isClosed() || r.LiveCount() != 0 {
		t.Fatalf("request from own address must be dropped")
	}
}

func TestRegistryCloseCancelsLiveHandshakes(t *testing.T) {
	r, node, _ := newTestRegistry()

	result := r.Authenticate(testPeerAddr)
	r.Close()

	if err := result.Err(); !IsCancelled(err) {
		t.Fatalf("expected cancellation on close, got %v", err)
	}
	waitFor(t, time.Second, func() bool { return r.LiveCount() == 0 })
	if got := r.Authenticate("127.0.0.1:7652"); !errors.Is(got.Err(), ErrRegistryClosed) {
		t.Fatalf("closed registry accepted work: %v", got.Err())
	}

	before := node.sentCount()
	r.OnMessage(AuthenticationRequest{SenderAddress: "127.0.0.1:7653", RequesterNonce: 7}, &fakeConn{uid: "c"})
	if node.sentCount() != before || r.LiveCount() != 0 {
		t.Fatalf("closed registry reacted to an inbound request")
	}
}
