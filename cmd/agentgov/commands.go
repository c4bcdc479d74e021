package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/ashureev/agentgov/internal/agent"
	"github.com/ashureev/agentgov/internal/app"
	"github.com/ashureev/agentgov/internal/domain"
	"github.com/ashureev/agentgov/internal/identity"
	"github.com/ashureev/agentgov/internal/monitor"
	"github.com/ashureev/agentgov/internal/realtime"
)

var errNotLoggedIn = errors.New("not logged in (run 'agentgov login')")

func (c *cli) loginCmd() *cobra.Command {
	var username, passwordFile string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and store the session",
		Long: `Exchange a username and password for a session token. The password is
read from --password-file, or prompted for when the flag is absent or "-".`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if username == "" {
				return errors.New("--username is required")
			}
			password, err := readSecret(passwordFile, "Password: ")
			if err != nil {
				return err
			}
			return c.withApp(cmd, app.Options{}, func(ctx context.Context, a *app.App, _ bool) error {
				if !a.Session.Login(ctx, username, password) {
					return fmt.Errorf("login failed: %s", a.Session.LastError())
				}
				user := a.Session.Snapshot().User
				fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s\n", user.Username)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "Username")
	cmd.Flags().StringVar(&passwordFile, "password-file", "", "Read the password from this file")
	return cmd
}

func (c *cli) logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the session and forget the stored token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, app.Options{}, func(ctx context.Context, a *app.App, _ bool) error {
				a.Session.Logout(ctx)
				fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
				return nil
			})
		},
	}
}

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show session and backend status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, app.Options{}, func(ctx context.Context, a *app.App, authenticated bool) error {
				out := cmd.OutOrStdout()
				health := a.Health.Check(ctx)
				if health.Healthy {
					fmt.Fprintf(out, "Backend:  %s (version %s)\n", c.cfg.APIURL, health.Version)
				} else {
					fmt.Fprintf(out, "Backend:  %s (unreachable: %v)\n", c.cfg.APIURL, health.Err)
				}

				snap := a.Session.Snapshot()
				if !authenticated {
					fmt.Fprintln(out, "Session:  not logged in")
					if msg := a.Session.LastError(); msg != "" {
						fmt.Fprintf(out, "Error:    %s\n", msg)
					}
					return nil
				}
				role := "user"
				if snap.User.IsAdmin {
					role = "admin"
				}
				fmt.Fprintf(out, "Session:  %s (%s)\n", snap.User.Username, role)
				fmt.Fprintf(out, "Messages: %d stored\n", len(a.Chat.Messages()))
				return nil
			})
		},
	}
}

func (c *cli) sendCmd() *cobra.Command {
	var noStream bool
	cmd := &cobra.Command{
		Use:   "send [message]",
		Short: "Send one chat message and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content := strings.Join(args, " ")
			out := cmd.OutOrStdout()
			opts := app.Options{Notifier: printNotifier(out)}
			return c.withApp(cmd, opts, func(ctx context.Context, a *app.App, authenticated bool) error {
				if !authenticated {
					return errNotLoggedIn
				}
				return send(ctx, out, a.Chat, content, !noStream)
			})
		},
	}
	cmd.Flags().BoolVar(&noStream, "no-stream", false, "Wait for the full reply instead of streaming it")
	return cmd
}

func (c *cli) chatCmd() *cobra.Command {
	var noStream bool
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat",
		Long: `Start an interactive chat with the governing agents.

Commands inside the chat:
  /history  reload history from the backend
  /clear    clear the local message log
  /quit     leave the chat`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			opts := app.Options{Notifier: printNotifier(out)}
			return c.withApp(cmd, opts, func(ctx context.Context, a *app.App, authenticated bool) error {
				if !authenticated {
					return errNotLoggedIn
				}
				a.Chat.LoadHistory(ctx)
				printMessages(out, a.Chat.Messages())
				return repl(ctx, out, a, !noStream)
			})
		},
	}
	cmd.Flags().BoolVar(&noStream, "no-stream", false, "Wait for full replies instead of streaming them")
	return cmd
}

func (c *cli) historyCmd() *cobra.Command {
	var local bool
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print the chat history",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, app.Options{}, func(ctx context.Context, a *app.App, authenticated bool) error {
				if authenticated && !local {
					a.Chat.LoadHistory(ctx)
				}
				printMessages(cmd.OutOrStdout(), a.Chat.Messages())
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&local, "local", false, "Print the stored log without contacting the backend")
	return cmd
}

func (c *cli) passwdCmd() *cobra.Command {
	var oldFile, newFile string
	cmd := &cobra.Command{
		Use:   "passwd",
		Short: "Change the account password",
		RunE: func(cmd *cobra.Command, _ []string) error {
			oldPassword, err := readSecret(oldFile, "Current password: ")
			if err != nil {
				return err
			}
			newPassword, err := readSecret(newFile, "New password: ")
			if err != nil {
				return err
			}
			return c.withApp(cmd, app.Options{}, func(ctx context.Context, a *app.App, authenticated bool) error {
				if !authenticated {
					return errNotLoggedIn
				}
				if !a.Session.ChangePassword(ctx, oldPassword, newPassword) {
					return fmt.Errorf("password not changed: %s", a.Session.LastError())
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Password changed")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&oldFile, "old-password-file", "", "Read the current password from this file")
	cmd.Flags().StringVar(&newFile, "new-password-file", "", "Read the new password from this file")
	return cmd
}

func (c *cli) watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Hold the realtime connection open and print incoming events",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			opts := app.Options{
				OnFrame: func(f realtime.Frame) {
					fmt.Fprintf(out, "%s %s\n", time.Now().Format(time.TimeOnly), f.Raw)
				},
				OnHealth: func(s monitor.Status) {
					if s.Healthy {
						fmt.Fprintf(out, "backend healthy (version %s)\n", s.Version)
					} else {
						fmt.Fprintf(out, "backend unreachable: %v\n", s.Err)
					}
				},
			}
			return c.withApp(cmd, opts, func(ctx context.Context, a *app.App, authenticated bool) error {
				if !authenticated {
					return errNotLoggedIn
				}
				ended := make(chan struct{})
				unsubscribe := a.Session.Subscribe(func(t identity.Transition) {
					if t.To == domain.PhaseUnauthenticated {
						select {
						case <-ended:
						default:
							close(ended)
						}
					}
				})
				defer unsubscribe()

				ctx, cancel := context.WithCancel(ctx)
				defer cancel()
				go a.Health.Run(ctx)

				fmt.Fprintln(out, "Watching, press Ctrl-C to stop")
				select {
				case <-ctx.Done():
					return nil
				case <-ended:
					return errors.New("session ended by the backend")
				}
			})
		},
	}
}

func send(ctx context.Context, out io.Writer, chat *agent.ChatSession, content string, streamed bool) error {
	var err error
	if streamed {
		err = chat.SendStreamingMessage(ctx, content, func(chunk string) {
			fmt.Fprint(out, chunk)
		})
		fmt.Fprintln(out)
	} else {
		err = chat.SendMessage(ctx, content)
		if err == nil {
			msgs := chat.Messages()
			fmt.Fprintln(out, msgs[len(msgs)-1].Content)
		}
	}
	switch {
	case errors.Is(err, agent.ErrNotAuthenticated), errors.Is(err, agent.ErrSessionEnded):
		return errNotLoggedIn
	case err != nil:
		msgs := chat.Messages()
		if n := len(msgs); n > 0 && msgs[n-1].Role == domain.RoleSystem {
			return errors.New(msgs[n-1].Content)
		}
		return err
	}
	return nil
}

func repl(ctx context.Context, out io.Writer, a *app.App, streamed bool) error {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	for ctx.Err() == nil {
		input, err := line.Prompt("you> ")
		if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		switch input {
		case "/quit", "/exit":
			return nil
		case "/clear":
			a.Chat.Clear(ctx)
			continue
		case "/history":
			a.Chat.LoadHistory(ctx)
			printMessages(out, a.Chat.Messages())
			continue
		}

		err = send(ctx, out, a.Chat, input, streamed)
		if errors.Is(err, errNotLoggedIn) {
			return err
		}
		if err != nil {
			fmt.Fprintln(out, err)
		}
	}
	return nil
}

func printMessages(out io.Writer, msgs []domain.Message) {
	for _, m := range msgs {
		stamp := ""
		if !m.CreatedAt.IsZero() {
			stamp = m.CreatedAt.Local().Format("2006-01-02 15:04") + " "
		}
		fmt.Fprintf(out, "%s%s: %s\n", stamp, m.Role, m.Content)
	}
}

func printNotifier(out io.Writer) agent.Notifier {
	return agent.NotifierFunc(func(n agent.Notification) {
		fmt.Fprintf(out, "[%s] %s\n", n.Title, n.Message)
	})
}

// readSecret reads a secret from path, or prompts for it when path is
// empty or "-". Trailing newlines are stripped.
func readSecret(path, prompt string) (string, error) {
	if path != "" && path != "-" {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", path, err)
		}
		secret := strings.TrimRight(string(data), "\r\n")
		if secret == "" {
			return "", fmt.Errorf("file %s is empty", path)
		}
		return secret, nil
	}

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)
	secret, err := line.PasswordPrompt(prompt)
	if errors.Is(err, liner.ErrPromptAborted) {
		return "", errors.New("aborted")
	}
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return secret, nil
}
