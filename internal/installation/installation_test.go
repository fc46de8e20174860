package installation

import "testing"

func TestStatic(t *testing.T) {
	if id, ok := Static("").PushRegistrationID(); ok || id != "" {
		t.Fatalf("empty identity reported %q, %v", id, ok)
	}
	if id, ok := Static("device-1").PushRegistrationID(); !ok || id != "device-1" {
		t.Fatalf("got %q, %v", id, ok)
	}
}

func TestFunc(t *testing.T) {
	registered := false
	f := Func(func() (string, bool) {
		if !registered {
			return "", false
		}
		return "device-2", true
	})

	if _, ok := f.PushRegistrationID(); ok {
		t.Fatal("expected no identity before registration")
	}
	registered = true
	if id, ok := f.PushRegistrationID(); !ok || id != "device-2" {
		t.Fatalf("got %q, %v", id, ok)
	}

	empty := Func(func() (string, bool) { return "", true })
	if _, ok := empty.PushRegistrationID(); ok {
		t.Fatal("empty id must not count as an identity")
	}
}
