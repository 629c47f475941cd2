package main

import (
	"bufio"
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"workroom/internal/config"
	"workroom/internal/workroom"
	workroomsdk "workroom/sdk/go"
)

// watchCmd joins a room on a running server and keeps it open in the
// terminal. Lines typed on stdin are sent as messages.
func watchCmd() *cobra.Command {
	var baseURL, token, apiKey string
	cmd := &cobra.Command{
		Use:   "watch <room-id>",
		Short: "Join a room on a server and chat from the terminal",
		Long: `Join a room on a running server. Lines typed on stdin are sent as messages.
Commands: /attach <path> queues a file for the next message, /send (or an
empty line) sends queued files without text, /react <id> <kind> toggles a
local reaction, /finalise finalises your side, /quit leaves.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			client := workroomsdk.New(baseURL)
			client.BearerToken = firstNonEmpty(token, viper.GetString("token"))
			client.APIKey = firstNonEmpty(apiKey, viper.GetString("api-key"))
			client.PageSize = cfg.Workroom.PageSize
			client.ReadLimit = cfg.Server.MaxUploadBytes + 1<<20

			p := &statePrinter{seen: map[string]bool{}}
			ctx := cmd.Context()
			v, err := joinRoom(ctx, client, cfg, args[0], p)
			if err != nil {
				return err
			}
			defer v.Leave()
			fmt.Println(v.String())
			p.print(v.State())

			lines := make(chan string)
			go func() {
				defer close(lines)
				sc := bufio.NewScanner(os.Stdin)
				for sc.Scan() {
					lines <- sc.Text()
				}
			}()
			for {
				select {
				case <-ctx.Done():
					return nil
				case line, ok := <-lines:
					if !ok {
						return nil
					}
					done, err := handleLine(ctx, v, strings.TrimSpace(line))
					switch {
					case err == nil:
					case workroom.IsTransient(err):
						fmt.Println("! failed, try again:", err)
					default:
						fmt.Println("!", err)
					}
					if done {
						return nil
					}
				}
			}
		},
	}
	cmd.Flags().StringVar(&baseURL, "url", "http://127.0.0.1:8080", "server base URL")
	cmd.Flags().StringVar(&token, "token", "", "bearer token (or WORKROOM_TOKEN)")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "API key (or WORKROOM_API_KEY)")
	return cmd
}

// joinRoom enters the room and waits for the first history fetch. A failed
// fetch is reported and left to the reconciliation loop.
func joinRoom(ctx context.Context, backend workroom.Backend, cfg *config.Config, roomID string, p *statePrinter) (*workroom.View, error) {
	v, err := workroom.Enter(ctx, workroom.ViewConfig{
		RoomID:            roomID,
		Backend:           backend,
		ReconcileInterval: cfg.Workroom.ReconcileInterval,
		TypingTimeout:     cfg.Workroom.TypingTimeout,
		SettlementURL:     cfg.Workroom.SettlementURL,
		Logger:            newLogger(),
		OnChange:          p.print,
	})
	if err != nil {
		return nil, err
	}
	select {
	case <-v.Delivery().Ready():
	case <-ctx.Done():
		_ = v.Leave()
		return nil, ctx.Err()
	}
	if err := v.Delivery().InitialErr(); err != nil {
		fmt.Println("! history unavailable, retrying in the background:", err)
	}
	return v, nil
}

func handleLine(ctx context.Context, v *workroom.View, line string) (bool, error) {
	switch {
	case line == "" || line == "/send":
		if len(v.Outbox().Draft().Files) == 0 {
			if line == "/send" {
				return false, fmt.Errorf("nothing attached")
			}
			return false, nil
		}
		_, err := v.Submit(ctx)
		return false, err
	case line == "/quit":
		return true, nil
	case line == "/finalise":
		flags, err := v.Finalise(ctx)
		if err != nil {
			return false, err
		}
		if url, ok := v.SettlementURL(); ok {
			fmt.Println("room locked, settle at", url)
		} else if !flags.Locked() {
			fmt.Println("finalised; waiting for the other side")
		}
		return false, nil
	case strings.HasPrefix(line, "/react "):
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return false, fmt.Errorf("usage: /react <message-id> like|heart|fire")
		}
		got, err := v.React(fields[1], workroom.Reaction(fields[2]))
		if err != nil {
			return false, err
		}
		if got == "" {
			fmt.Println("reaction removed")
		} else {
			fmt.Println("reacted", got)
		}
		return false, nil
	case strings.HasPrefix(line, "/attach "):
		path := strings.TrimSpace(strings.TrimPrefix(line, "/attach "))
		data, err := os.ReadFile(path)
		if err != nil {
			return false, err
		}
		v.Outbox().Attach(workroom.File{
			Name:        filepath.Base(path),
			ContentType: mime.TypeByExtension(filepath.Ext(path)),
			Data:        data,
		})
		fmt.Println("attached", filepath.Base(path))
		return false, nil
	}
	v.NotifyTyping(ctx)
	v.Outbox().SetText(line)
	_, err := v.Submit(ctx)
	return false, err
}

type statePrinter struct {
	mu      sync.Mutex
	seen    map[string]bool
	phase   workroom.Phase
	typing  bool
	started bool
}

func (p *statePrinter) print(s workroom.State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range s.Messages {
		if p.seen[m.ID] {
			continue
		}
		p.seen[m.ID] = true
		fmt.Printf("[%s] %s: %s%s  #%s\n", time.UnixMilli(m.Timestamp).Format("15:04"), m.SenderID, m.Text, attachmentNames(m.Attachments), m.ID)
	}
	if p.started && s.Phase != p.phase {
		fmt.Println("* room is now", s.Phase)
	}
	if s.PartnerTyping && !p.typing {
		fmt.Println("* typing...")
	}
	p.phase, p.typing, p.started = s.Phase, s.PartnerTyping, true
}

func attachmentNames(atts []workroom.Attachment) string {
	if len(atts) == 0 {
		return ""
	}
	names := make([]string, 0, len(atts))
	for _, a := range atts {
		names = append(names, fmt.Sprintf("%s (%s)", a.Name, a.Kind))
	}
	return " [" + strings.Join(names, ", ") + "]"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
