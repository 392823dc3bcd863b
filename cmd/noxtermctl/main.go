// Command noxtermctl is the operator CLI for noxtermd: session
// lifecycle, privacy toggles, and a raw-mode terminal attach.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/coder/websocket"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func baseURL() string {
	if v := os.Getenv("NOXTERM_ADDR"); v != "" {
		return v
	}
	return "http://localhost:8080"
}

func main() {
	root := &cobra.Command{
		Use:   "noxtermctl",
		Short: "operator CLI for the noxterm terminal broker",
	}

	root.AddCommand(sessionCmd())
	root.AddCommand(privacyCmd())
	root.AddCommand(attachCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "session", Short: "manage sessions"}
	cmd.AddCommand(sessionCreateCmd(), sessionListCmd(), sessionDeleteCmd())
	return cmd
}

func sessionCreateCmd() *cobra.Command {
	var userID, image string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "provision a new session",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, _ := json.Marshal(map[string]string{"user_id": userID, "container_image": image})
			resp, err := http.Post(baseURL()+"/api/sessions", "application/json", strings.NewReader(string(body)))
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			return printJSON(resp)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().StringVar(&image, "image", "", "container image")
	cmd.MarkFlagRequired("user")
	cmd.MarkFlagRequired("image")
	return cmd
}

func sessionListCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "list sessions for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Get(baseURL() + "/api/sessions?user_id=" + userID)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			var sessions []map[string]any
			if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tIMAGE\tSTATUS\tCREATED")
			for _, s := range sessions {
				fmt.Fprintf(w, "%v\t%v\t%v\t%v\n", s["id"], s["image"], s["status"], s["created_at"])
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.MarkFlagRequired("user")
	return cmd
}

func sessionDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "terminate a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := http.NewRequest(http.MethodDelete, baseURL()+"/api/sessions/"+args[0], nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			fmt.Println(resp.Status)
			return nil
		},
	}
}

func privacyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "privacy", Short: "anonymizing egress controls"}
	cmd.AddCommand(
		&cobra.Command{Use: "enable", RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Post(baseURL()+"/api/privacy/enable", "application/json", nil)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			return printJSON(resp)
		}},
		&cobra.Command{Use: "disable", RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Post(baseURL()+"/api/privacy/disable", "application/json", nil)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			return printJSON(resp)
		}},
		&cobra.Command{Use: "status", RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Get(baseURL() + "/api/privacy/status")
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			return printJSON(resp)
		}},
	)
	return cmd
}

func attachCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "attach <id>",
		Short: "attach a raw-mode terminal to a live session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAttach(args[0])
		},
	}
}

func runAttach(id string) error {
	url := "ws" + strings.TrimPrefix(baseURL(), "http") + "/pty/" + id
	conn, _, err := websocket.Dial(context.Background(), url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if isatty.IsTerminal(os.Stdin.Fd()) {
		oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err != nil {
			return fmt.Errorf("raw mode: %w", err)
		}
		defer term.Restore(int(os.Stdin.Fd()), oldState)
	}

	ctx := context.Background()
	errCh := make(chan error, 2)

	go func() {
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				errCh <- err
				return
			}
			if _, err := os.Stdout.Write(data); err != nil {
				errCh <- err
				return
			}
		}
	}()

	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				if err := conn.Write(ctx, websocket.MessageBinary, buf[:n]); err != nil {
					errCh <- err
					return
				}
			}
			if err != nil {
				if err != io.EOF {
					errCh <- err
				}
				return
			}
		}
	}()

	return <-errCh
}

func printJSON(resp *http.Response) error {
	var v any
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
