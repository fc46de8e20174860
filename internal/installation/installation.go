// Package installation provides the push registration identity that keys
// session records.
package installation

// Static is a fixed identity. The empty value has no identity.
type Static string

// PushRegistrationID returns the identity and whether one is set.
func (s Static) PushRegistrationID() (string, bool) {
	return string(s), s != ""
}

// Func adapts a lookup function.
type Func func() (string, bool)

// PushRegistrationID calls f.
func (f Func) PushRegistrationID() (string, bool) {
	id, ok := f()
	if id == "" {
		return "", false
	}
	return id, ok
}
