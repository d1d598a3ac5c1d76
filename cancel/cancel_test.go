package cancel

import "testing"

type fakeTarget struct{ canceled bool }

func (f *fakeTarget) CancelSession() { f.canceled = true }

func TestCancelTriggersMatchingTarget(t *testing.T) {
	r := newRegistry[*fakeTarget]()
	target := &fakeTarget{}
	r.Register(42, 99, target)

	r.Cancel(42, 99)

	if !target.canceled {
		t.Fatalf("expected target to be canceled")
	}
}

func TestCancelIgnoresWrongSecret(t *testing.T) {
	r := newRegistry[*fakeTarget]()
	target := &fakeTarget{}
	r.Register(42, 99, target)

	r.Cancel(42, 1)

	if target.canceled {
		t.Fatalf("expected cancel with wrong secret to be ignored")
	}
}

func TestCancelIgnoresUnknownPID(t *testing.T) {
	r := newRegistry[*fakeTarget]()
	r.Cancel(1, 1)
}

func TestUnregisterRemovesTarget(t *testing.T) {
	r := newRegistry[*fakeTarget]()
	target := &fakeTarget{}
	r.Register(42, 99, target)
	r.Unregister(42)

	r.Cancel(42, 99)

	if target.canceled {
		t.Fatalf("expected unregistered target not to be canceled")
	}
}
