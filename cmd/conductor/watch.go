package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/conductor/broadcast"
)

func newWatchCmd(a *app) *cobra.Command {
	var (
		topics []string
		since  int64
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the live event stream",
		Long: `watch opens the server-sent event stream and prints each event as it
arrives. --since replays buffered events after that sequence first; if the
server no longer holds some of them a gap warning is printed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			if len(topics) > 0 {
				q.Set("topics", strings.Join(topics, ","))
			}
			if since >= 0 {
				q.Set("since", strconv.FormatInt(since, 10))
			}
			body, err := a.api().stream(cmd.Context(), "/api/events/sse?"+q.Encode())
			if err != nil {
				return err
			}
			defer body.Close() //nolint:errcheck
			err = readFrames(body, func(f broadcast.Frame) {
				printFrame(cmd.OutOrStdout(), f, asJSON)
			})
			if cmd.Context().Err() != nil {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringSliceVar(&topics, "topic", nil, "topic pattern to follow (repeatable, default all)")
	cmd.Flags().Int64Var(&since, "since", -1, "replay buffered events after this sequence")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw frames")
	return cmd
}

// readFrames decodes the data lines of an SSE stream until it ends.
func readFrames(r io.Reader, fn func(broadcast.Frame)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), 4<<20)
	for sc.Scan() {
		data, ok := strings.CutPrefix(sc.Text(), "data: ")
		if !ok {
			continue
		}
		var f broadcast.Frame
		if err := json.Unmarshal([]byte(data), &f); err != nil {
			return fmt.Errorf("decode frame: %w", err)
		}
		fn(f)
	}
	if err := sc.Err(); err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return err
	}
	return nil
}

func printFrame(w io.Writer, f broadcast.Frame, asJSON bool) {
	if asJSON {
		_ = json.NewEncoder(w).Encode(f)
		return
	}
	switch f.Type {
	case broadcast.FrameEvent:
		data, _ := json.Marshal(f.Data)
		marker := ""
		if f.Gap {
			marker = yellow(" (events dropped before this one)")
		}
		fmt.Fprintf(w, "%s %-8d %-24s %s%s\n", faint(f.Timestamp.Format("15:04:05.000")), f.Sequence, cyan(f.Event), data, marker)
	case broadcast.FrameGap:
		data, _ := json.Marshal(f.Data)
		fmt.Fprintf(w, "%s events no longer buffered %s; reconcile via the task list\n", yellow("gap:"), data)
	case broadcast.FrameConnected:
		fmt.Fprintln(w, green("connected"))
	case broadcast.FrameError:
		fmt.Fprintf(w, "%s %v\n", red("error:"), f.Data)
	}
}
