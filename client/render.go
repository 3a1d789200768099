package main

import (
	"fmt"

	"github.com/mahaj/support-chat/pkg/model"
	"github.com/mahaj/support-chat/pkg/view"
)

// renderer prints what changed in a conversation view. It only runs on the
// session goroutine.
type renderer struct {
	printed map[int64]bool
	read    map[int64]bool
	status  model.Status
	banner  string
	typing  string
}

func (r *renderer) render(v *view.ConversationView) {
	if !v.Loaded() {
		return
	}
	if r.read == nil {
		r.read = make(map[int64]bool)
	}
	if v.Status() != r.status {
		r.status = v.Status()
		fmt.Printf("\r-- %s: %s --\n> ", v.Subject(), r.status)
	}
	if banner, ok := v.Banner(); ok && banner != r.banner {
		fmt.Printf("\r** %s **\n> ", banner)
	}
	r.banner, _ = v.Banner()

	for _, m := range v.Messages() {
		if !r.printed[m.ID] {
			r.printed[m.ID] = true
			r.read[m.ID] = m.IsRead
			fmt.Printf("\r%s %s: %s\n> ", m.SentAt.Local().Format("15:04"), sender(m), m.Content)
			continue
		}
		if m.IsRead && !r.read[m.ID] {
			r.read[m.ID] = true
			fmt.Printf("\r   (read: %s)\n> ", abbreviate(m.Content))
		}
	}

	name, ok := v.Typing()
	if ok && name != r.typing {
		fmt.Printf("\r%s is typing...\n> ", name)
	}
	r.typing = name
}

func sender(m model.Message) string {
	if m.SenderName != "" {
		return m.SenderName
	}
	return m.SenderID
}

func abbreviate(s string) string {
	const limit = 24
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
