package client

import (
	"sort"
	"sync"
	"time"

	"github.io/infrasutra/intramail/internal/event"
)

const (
	FolderInbox   = "inbox"
	FolderArchive = "archive"
	FolderSent    = "sent"
	FolderTrash   = "trash"
)

// Folders is the set a full resync fetches.
var Folders = []string{FolderInbox, FolderArchive, FolderSent, FolderTrash}

// Item is one mailbox row as the server lists it for this user.
type Item struct {
	ID             string    `json:"id"`
	SenderID       string    `json:"senderId"`
	SenderName     string    `json:"senderName"`
	SenderEmail    string    `json:"senderEmail"`
	Subject        string    `json:"subject"`
	Preview        string    `json:"preview"`
	Priority       string    `json:"priority"`
	CreatedAt      time.Time `json:"createdAt"`
	To             []string  `json:"to"`
	Cc             []string  `json:"cc"`
	HasAttachments bool      `json:"hasAttachments"`
	IsRead         bool      `json:"isRead"`
	ReadCount      int       `json:"readCount"`
	RecipientCount int       `json:"recipientCount"`
}

func (i Item) clone() Item {
	i.To = cloneStrings(i.To)
	i.Cc = cloneStrings(i.Cc)
	return i
}

func cloneStrings(values []string) []string {
	if values == nil {
		return nil
	}
	return append(make([]string, 0, len(values)), values...)
}

type folders map[string][]Item

func (f folders) clone() folders {
	out := make(folders, len(f))
	for name, items := range f {
		copied := make([]Item, len(items))
		for i, item := range items {
			copied[i] = item.clone()
		}
		out[name] = copied
	}
	return out
}

func (f folders) find(folder, id string) int {
	for i, item := range f[folder] {
		if item.ID == id {
			return i
		}
	}
	return -1
}

func (f folders) remove(folder, id string) (Item, bool) {
	idx := f.find(folder, id)
	if idx < 0 {
		return Item{}, false
	}
	item := f[folder][idx]
	f[folder] = append(f[folder][:idx:idx], f[folder][idx+1:]...)
	return item, true
}

// insert keeps folders newest first and ignores ids already present.
func (f folders) insert(folder string, item Item) bool {
	if f.find(folder, item.ID) >= 0 {
		return false
	}
	items := append(f[folder], item)
	sort.SliceStable(items, func(a, b int) bool {
		if items[a].CreatedAt.Equal(items[b].CreatedAt) {
			return items[a].ID > items[b].ID
		}
		return items[a].CreatedAt.After(items[b].CreatedAt)
	})
	f[folder] = items
	return true
}

func (f folders) move(from, to, id string) {
	if item, ok := f.remove(from, id); ok {
		f.insert(to, item)
	}
}

func (f folders) setRead(id string, read bool) {
	for _, folder := range []string{FolderInbox, FolderArchive, FolderTrash} {
		if idx := f.find(folder, id); idx >= 0 {
			f[folder][idx].IsRead = read
		}
	}
}

// View is the client's local copy of its mailbox. Full resyncs replace it
// wholesale; events and optimistic actions patch it in place.
//
// generation counts resyncs and version counts every change. readers holds
// the reader ids already counted per sent email since the last resync.
type View struct {
	mu         sync.RWMutex
	folders    folders
	readers    map[string]map[string]struct{}
	generation uint64
	version    uint64
}

func NewView() *View {
	return &View{folders: folders{}, readers: map[string]map[string]struct{}{}}
}

// Snapshot returns a copy of one folder.
func (v *View) Snapshot(folder string) []Item {
	v.mu.RLock()
	defer v.mu.RUnlock()
	items := v.folders[folder]
	out := make([]Item, len(items))
	for i, item := range items {
		out[i] = item.clone()
	}
	return out
}

// replace installs an authoritative fetch.
func (v *View) replace(fetched folders) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.folders = fetched.clone()
	v.readers = map[string]map[string]struct{}{}
	v.generation++
	v.version++
}

type snapshot struct {
	folders    folders
	ids        []string
	generation uint64
	version    uint64
}

type rollback int

const (
	rollbackSuperseded rollback = iota
	rollbackExact
	rollbackItems
)

// mutate applies fn, which may only touch the given email ids, and returns
// the state it replaced.
func (v *View) mutate(fn func(folders), ids ...string) snapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	prior := snapshot{folders: v.folders.clone(), ids: ids, generation: v.generation}
	fn(v.folders)
	v.version++
	prior.version = v.version
	return prior
}

// restore undoes a mutate. A resync that landed in between already holds
// server truth, so nothing is restored then. If nothing else changed the
// view the whole snapshot goes back; otherwise only the snapshot's items
// are put back where they were, leaving later changes to other emails.
func (v *View) restore(prior snapshot) rollback {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.generation != prior.generation {
		return rollbackSuperseded
	}
	defer func() { v.version++ }()
	if v.version == prior.version {
		v.folders = prior.folders
		return rollbackExact
	}
	for _, id := range prior.ids {
		for _, folder := range Folders {
			v.folders.remove(folder, id)
		}
		for _, folder := range Folders {
			if idx := prior.folders.find(folder, id); idx >= 0 {
				v.folders.insert(folder, prior.folders[folder][idx].clone())
			}
		}
	}
	return rollbackItems
}

// apply merges a push hint. It reports whether the view changed.
func (v *View) apply(ev event.Event) (bool, error) {
	switch ev.Name {
	case event.NewEmail:
		var payload event.NewEmailPayload
		if err := ev.Decode(&payload); err != nil {
			return false, err
		}
		item := Item{
			ID:          payload.EmailID,
			SenderName:  payload.SenderName,
			SenderEmail: payload.SenderEmail,
			Subject:     payload.Subject,
			Preview:     payload.BodyPreview,
			Priority:    payload.Priority,
			CreatedAt:   payload.Timestamp,
		}
		v.mu.Lock()
		defer v.mu.Unlock()
		for _, folder := range Folders {
			if v.folders.find(folder, item.ID) >= 0 {
				return false, nil
			}
		}
		v.version++
		return v.folders.insert(FolderInbox, item), nil
	case event.EmailRead:
		var payload event.EmailReadPayload
		if err := ev.Decode(&payload); err != nil {
			return false, err
		}
		v.mu.Lock()
		defer v.mu.Unlock()
		idx := v.folders.find(FolderSent, payload.EmailID)
		if idx < 0 {
			return false, nil
		}
		// Mark-unread then read again emits a second hint for one reader.
		seen := v.readers[payload.EmailID]
		if _, ok := seen[payload.ReaderID]; ok {
			return false, nil
		}
		item := &v.folders[FolderSent][idx]
		if item.RecipientCount > 0 && item.ReadCount >= item.RecipientCount {
			return false, nil
		}
		if seen == nil {
			seen = map[string]struct{}{}
			v.readers[payload.EmailID] = seen
		}
		seen[payload.ReaderID] = struct{}{}
		item.ReadCount++
		v.version++
		return true, nil
	case event.EmailArchived, event.EmailUnarchived:
		var payload event.ArchivePayload
		if err := ev.Decode(&payload); err != nil {
			return false, err
		}
		v.mu.Lock()
		defer v.mu.Unlock()
		if ev.Name == event.EmailArchived {
			v.folders.move(FolderInbox, FolderArchive, payload.EmailID)
		} else {
			v.folders.move(FolderArchive, FolderInbox, payload.EmailID)
		}
		v.version++
		return true, nil
	}
	return false, nil
}
