package pty

import (
	"io"

	"github.com/sirupsen/logrus"
)

// discard is the logger used when the caller supplies none.
var discard = func() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()
