//go:build !linux

package pollbackend

func newEpoll() (Backend, error) {
	return nil, ErrUnsupportedBackend
}
