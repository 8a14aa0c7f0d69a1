package istioctl

// Error is raised when an istioctl command fails or produces output that
// cannot be interpreted.  ReturnCode is -1 when the failure was not a
// subprocess exit.
type Error struct {
	Message    string
	ReturnCode int
	Stdout     string
	Stderr     string
}

func (e *Error) Error() string {
	return e.Message
}

// IsError reports whether err is an istioctl error.
func IsError(err error) bool {
	_, ok := err.(*Error)
	return ok
}
