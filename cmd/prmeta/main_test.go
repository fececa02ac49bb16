package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOnlySlackNotifyErrorsFailTheJob(t *testing.T) {
	failure := errors.New("mocked command error")

	for name, cmd := range subcommands {
		t.Run(name, func(t *testing.T) {
			want := 0
			if name == "slack-notify" {
				want = 1
			}

			assert.Equal(t, want, commandExitCode(cmd, failure))
			assert.Equal(t, 0, commandExitCode(cmd, nil))
		})
	}
}
