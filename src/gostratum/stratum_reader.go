package gostratum

import (
	"bufio"
	"io"
	"net"
	"time"

	"github.com/pkg/errors"
)

const maxLineSize = 1024 * 1024

type LineCallback func(line string) error

// ReadLines feeds every line read from connection to cb until the peer
// closes (io.EOF), the connection stays idle past idle, or cb fails.
func ReadLines(connection net.Conn, idle time.Duration, cb LineCallback) error {
	scanner := bufio.NewScanner(connection)
	scanner.Buffer(make([]byte, 0, 4096), maxLineSize)
	for {
		if idle > 0 {
			if err := connection.SetReadDeadline(time.Now().Add(idle)); err != nil {
				return err
			}
		}
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return errors.Wrapf(err, "error reading from connection")
			}
			return io.EOF
		}
		line := scanner.Text()
		if line == "" {
			continue
		}
		if err := cb(line); err != nil {
			return err
		}
	}
}
