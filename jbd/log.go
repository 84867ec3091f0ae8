package jbd

import "github.com/sirupsen/logrus"

var log = logrus.WithField("comp", "jbd")
