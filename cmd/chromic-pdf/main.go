package main

import (
	"os"

	"github.com/sirupsen/logrus"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		logrus.StandardLogger().Error(err)
		os.Exit(1)
	}
}
