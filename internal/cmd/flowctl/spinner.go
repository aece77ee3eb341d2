package flowctl

import (
	"fmt"
	"io"
	"time"

	"github.com/briandowns/spinner"
)

// spin shows a spinner on w while fn runs. The spinner stays hidden unless
// stdout is a terminal.
func spin(w io.Writer, prefix string, fn func() error) error {
	s := spinner.New(spinner.CharSets[9], 100*time.Millisecond,
		spinner.WithHiddenCursor(false),
		spinner.WithWriter(w),
	)
	s.Prefix = fmt.Sprintf("%s ", prefix)
	s.Start()
	err := fn()
	s.Stop()
	return err
}
