package supervisor

import "testing"

func TestRegisterAssignsDistinctIDs(t *testing.T) {
	s := New()
	a, err := s.Register()
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	b, err := s.Register()
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if a.ID == b.ID {
		t.Fatalf("two registrations got the same ID %d", a.ID)
	}
}

func TestCancelRequiresMatchingSecret(t *testing.T) {
	s := New()
	c, err := s.Register()
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if ok := s.Cancel(c.ID, c.Secret+1); ok {
		t.Fatal("Cancel succeeded with the wrong secret")
	}
	if c.Canceled() {
		t.Fatal("a wrong-secret Cancel must not mark the connection canceled")
	}

	if ok := s.Cancel(c.ID, c.Secret); !ok {
		t.Fatal("Cancel with the correct (id, secret) pair should succeed")
	}
	if !c.Canceled() {
		t.Fatal("expected the connection to be marked canceled")
	}
	if c.Canceled() {
		t.Fatal("Canceled must consume the flag, not report it forever")
	}
}

func TestCancelUnknownConnection(t *testing.T) {
	s := New()
	if ok := s.Cancel(999, 12345); ok {
		t.Fatal("Cancel on an unregistered connection id must fail")
	}
}

func TestUnregisterRemovesConnection(t *testing.T) {
	s := New()
	c, err := s.Register()
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	s.Unregister(c.ID)
	if ok := s.Cancel(c.ID, c.Secret); ok {
		t.Fatal("Cancel must fail once the connection is unregistered")
	}
}
