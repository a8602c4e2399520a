package common

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// CommandLineFormatter is a logrus formatter producing plain command line
// output rather than structured log lines.
type CommandLineFormatter struct{}

func (f *CommandLineFormatter) Format(entry *log.Entry) ([]byte, error) {
	if entry.Level <= log.WarnLevel {
		return []byte(fmt.Sprintf("%s: %s\n", entry.Level, entry.Message)), nil
	}
	return []byte(entry.Message + "\n"), nil
}
