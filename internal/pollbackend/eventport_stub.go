//go:build !(solaris || illumos)

package pollbackend

func newEventPort() (Backend, error) {
	return nil, ErrUnsupportedBackend
}
