package adapter

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/roffe/godiag"
)

// elmInitCmds puts an ELM327 compatible adapter in raw CAN mode. The ISO-TP
// layer does its own segmentation and flow control and sets the header and
// receive filter per request.
var elmInitCmds = []string{
	"ATE0",   // turn off echo
	"ATS0",   // turn off spaces
	"ATSP6",  // ISO 15765-4 CAN, 11 bit, 500 kbaud
	"ATH1",   // headers on
	"ATAT2",  // adaptive timing, aggressive mode
	"ATCAF0", // automatic formatting off
	"ATAL",   // allow long messages
	"ATCFC0", // automatic CAN flow control off
}

const elmInitDelay = 15 * time.Millisecond

// elmInit writes the init commands without waiting for the replies, the
// caller discards them once done.
func elmInit(ctx context.Context, w io.Writer, cfg *godiag.AdapterConfig) error {
	for _, c := range elmInitCmds {
		if cfg.Debug {
			cfg.OnMessage(c)
		}
		if _, err := w.Write([]byte(c + "\r")); err != nil {
			return fmt.Errorf("init %s: %w", c, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(elmInitDelay):
		}
	}
	return nil
}
