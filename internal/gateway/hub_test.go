package gateway

import (
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/collab"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/documents"
	"go.uber.org/zap"
)

func newDetachedGateway(testContext *testing.T, clock func() time.Time, sendBuffer int) *Gateway {
	testContext.Helper()
	return &Gateway{
		idleTimeout: time.Minute,
		sendBuffer:  sendBuffer,
		clock:       clock,
		logger:      zap.NewNop(),
		hub:         newHub(),
		registry:    newRegistry(),
	}
}

func TestHubRelaysToPeersOfSameDocument(t *testing.T) {
	gw := newDetachedGateway(t, time.Now, 4)
	origin := newSession(gw, nil)
	peer := newSession(gw, nil)
	stranger := newSession(gw, nil)
	gw.hub.join("alice:novel:one", origin)
	gw.hub.join("alice:novel:one", peer)
	gw.hub.join("alice:novel:two", stranger)

	delivered := gw.hub.relay("alice:novel:one", origin.id, Frame{Type: FrameUpdate, Seq: 3})
	if delivered != 1 {
		t.Fatalf("expected one delivery, got %d", delivered)
	}

	select {
	case out := <-peer.send:
		if out.frame.Seq != 3 {
			t.Fatalf("unexpected frame %+v", out.frame)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected peer to receive the frame")
	}
	select {
	case out := <-origin.send:
		t.Fatalf("origin must not receive its own frame, got %+v", out.frame)
	case out := <-stranger.send:
		t.Fatalf("other documents must not receive the frame, got %+v", out.frame)
	default:
	}
}

func TestHubDisconnectsSlowPeer(t *testing.T) {
	gw := newDetachedGateway(t, time.Now, 1)
	origin := newSession(gw, nil)
	slow := newSession(gw, nil)
	gw.hub.join("doc", origin)
	gw.hub.join("doc", slow)

	gw.hub.relay("doc", origin.id, Frame{Type: FrameUpdate, Seq: 1})
	gw.hub.relay("doc", origin.id, Frame{Type: FrameUpdate, Seq: 2})

	select {
	case <-slow.done:
	default:
		t.Fatal("expected slow peer to be disconnected")
	}
	if slow.currentState() != StateClosed {
		t.Fatalf("expected closed state, got %s", slow.currentState())
	}
	if size := gw.hub.size("doc"); size != 1 {
		t.Fatalf("expected slow peer to leave the document, %d sessions remain", size)
	}
}

func TestAllListsOnlySessionsBeforeTheirIdleDeadline(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	gw := newDetachedGateway(t, func() time.Time { return now }, 4)

	idle := newSession(gw, nil)
	idle.role = collab.RoleEditor
	gw.registry.add(idle)

	now = now.Add(45 * time.Second)
	active := newSession(gw, nil)
	active.documentID = documents.DocumentID{Owner: "alice", Slug: "novel", ElementID: "one"}
	gw.registry.add(active)

	now = now.Add(30 * time.Second)
	sessions := gw.All()
	if len(sessions) != 1 || sessions[0].ID != active.id {
		t.Fatalf("expected only the active session, got %+v", sessions)
	}
	if sessions[0].DocumentID != "alice:novel:one" {
		t.Fatalf("unexpected document id %q", sessions[0].DocumentID)
	}

	active.touch()
	now = now.Add(time.Minute)
	if sessions := gw.All(); len(sessions) != 0 {
		t.Fatalf("expected no live sessions at the exact deadline, got %+v", sessions)
	}
}

func TestMembershipChangeMarksOnlyMatchingSessions(t *testing.T) {
	gw := newDetachedGateway(t, time.Now, 4)
	bob := newSession(gw, nil)
	bob.userID, bob.projectID = "bob", "project-1"
	bobElsewhere := newSession(gw, nil)
	bobElsewhere.userID, bobElsewhere.projectID = "bob", "project-2"
	gw.registry.add(bob)
	gw.registry.add(bobElsewhere)

	gw.MembershipChanged(collab.MembershipChange{ProjectID: "project-1", UserID: "bob", Role: collab.RoleNone})

	if !bob.roleStale {
		t.Fatal("expected bob's session on project-1 to be invalidated")
	}
	if bobElsewhere.roleStale {
		t.Fatal("expected bob's session on project-2 to keep its role")
	}
}
