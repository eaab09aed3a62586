package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"wabatch/internal/dispatch"
	"wabatch/internal/progress"
	"wabatch/internal/session"
)

var (
	ok     = color.New(color.FgGreen)
	bad    = color.New(color.FgRed)
	warn   = color.New(color.FgYellow)
	accent = color.New(color.FgCyan, color.Bold)
	dim    = color.New(color.Faint)
)

func setColor(disabled bool) {
	if disabled {
		color.NoColor = true
	}
}

func printErr(err error) {
	fmt.Fprintln(os.Stderr, bad.Sprint("error: ")+err.Error())
}

func kv(k, v string) {
	fmt.Printf("  %s %s\n", dim.Sprintf("%-26s", k), v)
}

func stateColor(s session.State) *color.Color {
	switch s {
	case session.Connected:
		return ok
	case session.AwaitingPairing:
		return warn
	case session.Disconnected:
		return bad
	}
	return dim
}

func printSession(st session.Status) {
	line := fmt.Sprintf("%-16s %s", st.Identity, stateColor(st.State).Sprint(st.State))
	if !st.Since.IsZero() {
		line += dim.Sprintf(" since %s", humanize.Time(st.Since))
	}
	if st.LoggedOut {
		line += bad.Sprint(" logged out")
	} else if st.LastReason != "" && !st.Connected {
		line += dim.Sprintf(" (%s)", st.LastReason)
	}
	fmt.Println(line)
}

func jobColor(s dispatch.JobState) *color.Color {
	switch s {
	case dispatch.JobDone:
		return ok
	case dispatch.JobFailed:
		return bad
	case dispatch.JobCanceled, dispatch.JobRunning:
		return warn
	}
	return dim
}

func printJob(st dispatch.JobStatus) {
	fmt.Printf("%s %-9s %-14s %s %s",
		accent.Sprint(st.ID),
		jobColor(st.State).Sprint(st.State),
		st.Identity,
		counts(st.Counts),
		dim.Sprint(humanize.Time(st.CreatedAt)),
	)
	if st.Error != "" {
		fmt.Print(" " + bad.Sprint(st.Error))
	}
	fmt.Println()
}

func counts(c progress.Counts) string {
	return fmt.Sprintf("%s/%s/%s",
		humanize.Comma(int64(c.Total)),
		ok.Sprint(humanize.Comma(int64(c.Successful))),
		bad.Sprint(humanize.Comma(int64(c.Failed))),
	)
}

func printSummary(s dispatch.Summary) {
	kv("total", humanize.Comma(int64(s.Total)))
	kv("successful", ok.Sprint(humanize.Comma(int64(s.Successful))))
	kv("failed", bad.Sprint(humanize.Comma(int64(s.Failed))))
	if s.Duration > 0 {
		kv("duration", s.Duration.Round(time.Millisecond).String())
	}
	for _, f := range s.Failures {
		fmt.Printf("    %s %s\n", bad.Sprint(f.Recipient), f.Error)
	}
}

func printEvent(e progress.Event) {
	ts := dim.Sprint(e.Time.Format("15:04:05"))
	switch e.Kind {
	case progress.KindStatus:
		c := dim
		switch {
		case strings.HasPrefix(e.Text, "Message sent"):
			c = ok
		case strings.HasPrefix(e.Text, "Failed"), strings.HasPrefix(e.Text, "Sending failed"):
			c = bad
		case strings.HasPrefix(e.Text, "All messages"), strings.HasPrefix(e.Text, "Message sending started"):
			c = accent
		}
		fmt.Printf("%s %s %s\n", ts, e.Identity, c.Sprint(e.Text))
	case progress.KindCounts:
		if e.Counts != nil {
			fmt.Printf("%s %s %s\n", ts, e.Identity, counts(*e.Counts))
		}
	case progress.KindConnection:
		st := session.State(e.State)
		msg := stateColor(st).Sprint(e.State)
		if e.Reason != "" {
			msg += dim.Sprintf(" (%s)", e.Reason)
		}
		fmt.Printf("%s %s %s\n", ts, e.Identity, msg)
	case progress.KindSummary:
		if e.Counts == nil {
			return
		}
		text := "done " + counts(*e.Counts)
		if e.Err != "" {
			text += " " + bad.Sprint(e.Err)
		}
		fmt.Printf("%s %s %s\n", ts, e.Identity, text)
	}
}
