package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"wabatch/internal/client"
	"wabatch/internal/message"
)

func (g *globals) client() *client.Client {
	return client.New(g.server, client.WithUser(g.user))
}

func pairCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "pair <number>",
		Short: "Start pairing a phone number and print the pairing code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := g.client().Pair(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if code == "" {
				ok.Printf("%s is already paired\n", args[0])
				return nil
			}
			fmt.Printf("Pairing code for %s: %s\n", args[0], accent.Sprint(code))
			fmt.Println("Enter it on the phone under Linked devices > Link with phone number.")
			return nil
		},
	}
}

func statusCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "status <number>",
		Short: "Show the session state of a phone number",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := g.client().Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printSession(st)
			return nil
		},
	}
}

func sessionsCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List every known session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			all, err := g.client().Sessions(cmd.Context())
			if err != nil {
				return err
			}
			if len(all) == 0 {
				dim.Println("no sessions")
				return nil
			}
			for _, st := range all {
				printSession(st)
			}
			return nil
		},
	}
}

func removeCmd(g *globals) *cobra.Command {
	var purge bool
	cmd := &cobra.Command{
		Use:   "remove <number>",
		Short: "Close a session; --purge also deletes its stored credentials",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := g.client().Remove(cmd.Context(), args[0], purge); err != nil {
				return err
			}
			ok.Printf("%s removed\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&purge, "purge", false, "delete stored credentials")
	return cmd
}

func sendCmd(g *globals) *cobra.Command {
	var (
		req         client.SendRequest
		numbersFile string
		viewOnce    bool
		async       bool
	)
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a message to a newline separated recipient list",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := message.ParseVariant(req.Type); err != nil {
				return err
			}
			if numbersFile != "" {
				b, err := readInput(numbersFile)
				if err != nil {
					return err
				}
				req.NumbersText = string(b)
			}
			if strings.TrimSpace(req.NumbersText) == "" || strings.TrimSpace(req.Message) == "" {
				return errors.New("--numbers or --numbers-file, and --message, are required")
			}
			if cmd.Flags().Changed("view-once") {
				req.ViewOnce = &viewOnce
			}

			c := g.client()
			if async {
				id, err := c.Start(cmd.Context(), req)
				if err != nil {
					return err
				}
				ok.Printf("job %s started\n", id)
				return nil
			}
			res, err := c.Send(cmd.Context(), req)
			var ae *client.APIError
			if errors.As(err, &ae) && ae.Summary != nil {
				printSummary(*ae.Summary)
				return err
			}
			if err != nil {
				return err
			}
			ok.Printf("%s (job %s)\n", res.Status, res.JobID)
			printSummary(res.Summary)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.Type, "type", "standard", "message type: standard, simple or shop")
	f.StringVar(&req.Number, "number", "", "sending phone number (defaults to the user's active number)")
	f.StringVar(&req.NumbersText, "numbers", "", "newline separated recipients")
	f.StringVar(&numbersFile, "numbers-file", "", "file with one recipient per line (- for stdin)")
	f.StringVarP(&req.Message, "message", "m", "", "message text")
	f.StringVar(&req.MessageTitle, "title", "", "message title")
	f.StringVar(&req.MessageSubtitle, "subtitle", "", "message subtitle")
	f.StringVar(&req.MessageFooter, "footer", "", "message footer")
	f.StringVar(&req.ButtonText, "button-text", "", "call-to-action button label")
	f.StringVar(&req.ButtonURL, "button-url", "", "call-to-action button URL")
	f.StringVar(&req.MediaURL, "media-url", "", "image URL")
	f.StringVar(&req.ShopName, "shop-name", "", "shop surface name (shop type)")
	f.StringVar(&req.ShopID, "shop-id", "", "shop identifier (shop type)")
	f.BoolVar(&viewOnce, "view-once", true, "send as view-once (shop type)")
	f.BoolVar(&async, "async", false, "queue the batch and return its job id")
	return cmd
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func jobsCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "jobs [id]",
		Short: "List batch jobs, or show one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := g.client()
			if len(args) == 1 {
				st, err := c.Job(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				printJob(st)
				for _, f := range st.Failures {
					fmt.Printf("    %s %s\n", bad.Sprint(f.Recipient), f.Error)
				}
				return nil
			}
			jobs, err := c.Jobs(cmd.Context())
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				dim.Println("no jobs")
				return nil
			}
			for _, st := range jobs {
				printJob(st)
			}
			return nil
		},
	}
}

func cancelCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a queued or running batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := g.client().Cancel(cmd.Context(), args[0]); err != nil {
				return err
			}
			ok.Printf("cancel requested for %s\n", args[0])
			return nil
		},
	}
}

func watchCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [number]",
		Short: "Stream live progress events",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			identity := ""
			if len(args) == 1 {
				identity = args[0]
			}
			events, err := g.client().Watch(ctx, identity)
			if err != nil {
				return err
			}
			for e := range events {
				printEvent(e)
			}
			return nil
		},
	}
}
