package server

import (
	"io"
	"log"
	"os"
	"testing"
)

func TestMain(m *testing.M) {
	// Silence server logging during tests
	errorLog = log.New(io.Discard, "", 0)
	debugLog = log.New(io.Discard, "", 0)

	os.Exit(m.Run())
}
