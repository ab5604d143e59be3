package chat

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"

	"gorm.io/gorm"

	"securechat/database"
	"securechat/keys"
	"securechat/models"
	"securechat/social"
)

type fixture struct {
	db     *gorm.DB
	keys   *keys.Manager
	graph  *social.Graph
	engine *Engine
	ids    map[string]string
}

func newFixture(t *testing.T, usernames ...string) *fixture {
	t.Helper()
	db, err := database.OpenMemory(t.Name())
	if err != nil {
		t.Fatalf("OpenMemory() error = %v", err)
	}
	t.Cleanup(func() { database.Close(db) })

	km, err := keys.NewManager(db, bytes.Repeat([]byte{1}, 32), 0, 3)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	locks := database.NewLocks()
	graph := social.NewGraph(db, locks, 3)
	f := &fixture{
		db:     db,
		keys:   km,
		graph:  graph,
		engine: NewEngine(db, km, graph, locks, 3),
		ids:    make(map[string]string),
	}
	for _, name := range usernames {
		u := models.User{ID: "id-" + name, Username: name, DisplayName: name, PasswordHash: "x"}
		if err := db.Create(&u).Error; err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
		f.ids[name] = u.ID
	}
	return f
}

func (f *fixture) befriend(t *testing.T, a, b string) {
	t.Helper()
	ctx := context.Background()
	req, err := f.graph.SendRequest(ctx, f.ids[a], f.ids[b])
	if err != nil {
		t.Fatalf("SendRequest(%s, %s) error = %v", a, b, err)
	}
	if _, err := f.graph.Respond(ctx, req.ID, f.ids[b], true); err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
}

func collect(t *testing.T, e *Engine, convID, requester string, since int64) []*models.Message {
	t.Helper()
	seq, err := e.FetchHistory(context.Background(), convID, requester, since)
	if err != nil {
		t.Fatalf("FetchHistory() error = %v", err)
	}
	var out []*models.Message
	for msg, err := range seq {
		if err != nil {
			t.Fatalf("FetchHistory() yielded error = %v", err)
		}
		out = append(out, msg)
	}
	return out
}

func TestOpenDirect(t *testing.T) {
	f := newFixture(t, "alice", "bob", "carol")
	ctx := context.Background()

	if _, err := f.engine.OpenDirect(ctx, f.ids["alice"], f.ids["bob"]); !errors.Is(err, models.ErrNotFriends) {
		t.Fatalf("OpenDirect() without friendship error = %v, want ErrNotFriends", err)
	}

	f.befriend(t, "alice", "bob")
	c1, err := f.engine.OpenDirect(ctx, f.ids["alice"], f.ids["bob"])
	if err != nil {
		t.Fatalf("OpenDirect() error = %v", err)
	}
	c2, err := f.engine.OpenDirect(ctx, f.ids["bob"], f.ids["alice"])
	if err != nil {
		t.Fatalf("OpenDirect() reversed error = %v", err)
	}
	if c1.ID != c2.ID {
		t.Errorf("OpenDirect() ids differ: %s vs %s", c1.ID, c2.ID)
	}
	if !c1.IsDirect() {
		t.Errorf("Kind = %q, want direct", c1.Kind)
	}

	members, err := f.engine.Members(ctx, c1.ID, f.ids["alice"])
	if err != nil || len(members) != 2 {
		t.Errorf("Members() = %v, %v; want 2", members, err)
	}
	if _, err := f.engine.Members(ctx, c1.ID, f.ids["carol"]); !errors.Is(err, models.ErrNotMember) {
		t.Errorf("Members() by outsider error = %v", err)
	}
	if err := f.engine.LeaveGroup(ctx, c1.ID, f.ids["alice"]); !errors.Is(err, models.ErrDirectConversation) {
		t.Errorf("LeaveGroup(direct) error = %v", err)
	}
}

func TestOpenDirect_Concurrent(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	f.befriend(t, "alice", "bob")

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := f.ids["alice"], f.ids["bob"]
			if i%2 == 1 {
				a, b = b, a
			}
			conv, err := f.engine.OpenDirect(context.Background(), a, b)
			if err != nil {
				t.Errorf("OpenDirect() error = %v", err)
				return
			}
			ids[i] = conv.ID
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		if id != ids[0] {
			t.Fatalf("concurrent OpenDirect() returned %v", ids)
		}
	}
}

func TestAliceBobScenario(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	ctx := context.Background()
	f.befriend(t, "alice", "bob")

	c1, err := f.engine.OpenDirect(ctx, f.ids["alice"], f.ids["bob"])
	if err != nil {
		t.Fatalf("OpenDirect() error = %v", err)
	}
	msg, err := f.engine.PostMessage(ctx, c1.ID, f.ids["alice"], "hi")
	if err != nil {
		t.Fatalf("PostMessage() error = %v", err)
	}
	if msg.Seq != 1 || msg.Body != "hi" || msg.SenderName != "alice" {
		t.Errorf("PostMessage() = %+v", msg)
	}
	if bytes.Contains(msg.Ciphertext, []byte("hi")) {
		t.Error("stored ciphertext contains plaintext")
	}

	got := collect(t, f.engine, c1.ID, f.ids["bob"], 0)
	if len(got) != 1 || got[0].Body != "hi" || got[0].Seq != 1 {
		t.Fatalf("bob FetchHistory() = %+v, want one message \"hi\"", got)
	}
}

func TestCreateGroup(t *testing.T) {
	f := newFixture(t, "alice", "bob", "carol")
	ctx := context.Background()
	f.befriend(t, "alice", "bob")

	if _, err := f.engine.CreateGroup(ctx, f.ids["alice"], "team", []string{f.ids["bob"], f.ids["carol"]}); !errors.Is(err, models.ErrNotFriends) {
		t.Errorf("CreateGroup() with stranger error = %v, want ErrNotFriends", err)
	}

	g, err := f.engine.CreateGroup(ctx, f.ids["alice"], "team", []string{f.ids["bob"], f.ids["bob"], f.ids["alice"]})
	if err != nil {
		t.Fatalf("CreateGroup() error = %v", err)
	}
	if g.OwnerID != f.ids["alice"] || g.Name != "team" {
		t.Errorf("CreateGroup() = %+v", g)
	}
	members, _ := f.engine.Members(ctx, g.ID, f.ids["bob"])
	if len(members) != 2 || members[0].UserID != f.ids["alice"] || !members[0].Owner {
		t.Errorf("Members() = %+v, want owner first", members)
	}

	solo, err := f.engine.CreateGroup(ctx, f.ids["carol"], "", nil)
	if err != nil {
		t.Fatalf("CreateGroup() with owner only error = %v", err)
	}
	if solo.Name == "" {
		t.Error("CreateGroup() left the name empty")
	}
}

func TestAddMember(t *testing.T) {
	f := newFixture(t, "alice", "bob", "carol", "dave")
	ctx := context.Background()
	f.befriend(t, "alice", "bob")
	f.befriend(t, "alice", "carol")
	f.befriend(t, "bob", "dave")

	g, _ := f.engine.CreateGroup(ctx, f.ids["alice"], "team", []string{f.ids["bob"]})

	tests := []struct {
		name          string
		actor, member string
		want          error
	}{
		{"not owner", "bob", "carol", models.ErrNotOwner},
		{"already member", "alice", "bob", models.ErrAlreadyMember},
		{"not a friend of owner", "alice", "dave", models.ErrNotFriends},
		{"ok", "alice", "carol", nil},
		{"added twice", "alice", "carol", models.ErrAlreadyMember},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.engine.AddMember(ctx, g.ID, f.ids[tt.actor], f.ids[tt.member])
			if !errors.Is(err, tt.want) {
				t.Errorf("AddMember() error = %v, want %v", err, tt.want)
			}
		})
	}

	if err := f.engine.AddMember(ctx, "missing", f.ids["alice"], f.ids["carol"]); !errors.Is(err, models.ErrConversationNotFound) {
		t.Errorf("AddMember(missing) error = %v", err)
	}
}

func TestRemoveMember_OwnershipAndArchive(t *testing.T) {
	f := newFixture(t, "alice", "bob", "carol")
	ctx := context.Background()
	f.befriend(t, "alice", "bob")
	f.befriend(t, "alice", "carol")

	g, _ := f.engine.CreateGroup(ctx, f.ids["alice"], "team", []string{f.ids["bob"], f.ids["carol"]})

	if err := f.engine.RemoveMember(ctx, g.ID, f.ids["bob"], f.ids["carol"]); !errors.Is(err, models.ErrNotOwner) {
		t.Errorf("RemoveMember() by non-owner error = %v", err)
	}

	// owner leaves: bob joined before carol and becomes owner
	if err := f.engine.LeaveGroup(ctx, g.ID, f.ids["alice"]); err != nil {
		t.Fatalf("LeaveGroup(owner) error = %v", err)
	}
	got, err := f.engine.Get(ctx, g.ID, f.ids["bob"])
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.OwnerID != f.ids["bob"] || len(got.Members) != 2 {
		t.Errorf("after owner left: owner = %s, members = %d", got.OwnerID, len(got.Members))
	}
	if _, err := f.engine.PostMessage(ctx, g.ID, f.ids["alice"], "still here?"); !errors.Is(err, models.ErrNotMember) {
		t.Errorf("PostMessage() by former member error = %v", err)
	}

	if err := f.engine.RemoveMember(ctx, g.ID, f.ids["bob"], f.ids["carol"]); err != nil {
		t.Fatalf("RemoveMember() by new owner error = %v", err)
	}
	if err := f.engine.RemoveMember(ctx, g.ID, f.ids["bob"], f.ids["carol"]); !errors.Is(err, models.ErrNotMember) {
		t.Errorf("RemoveMember() twice error = %v", err)
	}
	if err := f.engine.LeaveGroup(ctx, g.ID, f.ids["bob"]); err != nil {
		t.Fatalf("LeaveGroup(last member) error = %v", err)
	}

	var conv models.Conversation
	f.db.First(&conv, "id = ?", g.ID)
	if !conv.Archived() || conv.ArchivedAt == nil {
		t.Errorf("group state = %q, want archived", conv.State)
	}
	if err := f.engine.AddMember(ctx, g.ID, f.ids["bob"], f.ids["alice"]); !errors.Is(err, models.ErrConversationArchived) {
		t.Errorf("AddMember() on archived group error = %v", err)
	}
	if _, err := f.engine.PostMessage(ctx, g.ID, f.ids["bob"], "anyone?"); !errors.Is(err, models.ErrNotMember) {
		t.Errorf("PostMessage() on archived group error = %v", err)
	}
}

func TestRenameGroup(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	ctx := context.Background()
	f.befriend(t, "alice", "bob")
	g, _ := f.engine.CreateGroup(ctx, f.ids["alice"], "team", []string{f.ids["bob"]})

	if _, err := f.engine.RenameGroup(ctx, g.ID, f.ids["bob"], "mine"); !errors.Is(err, models.ErrNotOwner) {
		t.Errorf("RenameGroup() by member error = %v", err)
	}
	if _, err := f.engine.RenameGroup(ctx, g.ID, f.ids["alice"], "  "); !errors.Is(err, models.ErrInvalidName) {
		t.Errorf("RenameGroup(blank) error = %v", err)
	}
	conv, err := f.engine.RenameGroup(ctx, g.ID, f.ids["alice"], "renamed")
	if err != nil || conv.Name != "renamed" {
		t.Errorf("RenameGroup() = %+v, %v", conv, err)
	}
}

func TestPostMessage_Errors(t *testing.T) {
	f := newFixture(t, "alice", "bob", "carol")
	ctx := context.Background()
	f.befriend(t, "alice", "bob")
	c, _ := f.engine.OpenDirect(ctx, f.ids["alice"], f.ids["bob"])

	if _, err := f.engine.PostMessage(ctx, c.ID, f.ids["carol"], "hello"); !errors.Is(err, models.ErrNotMember) {
		t.Errorf("PostMessage() by outsider error = %v", err)
	}
	if _, err := f.engine.PostMessage(ctx, c.ID, f.ids["alice"], ""); !errors.Is(err, models.ErrEmptyMessage) {
		t.Errorf("PostMessage(empty) error = %v", err)
	}
	if _, err := f.engine.PostMessage(ctx, "missing", f.ids["alice"], "x"); !errors.Is(err, models.ErrConversationNotFound) {
		t.Errorf("PostMessage(missing) error = %v", err)
	}
	if _, err := f.engine.FetchHistory(ctx, c.ID, f.ids["carol"], 0); !errors.Is(err, models.ErrNotMember) {
		t.Errorf("FetchHistory() by outsider error = %v", err)
	}
}

func TestPostMessage_ConcurrentSequence(t *testing.T) {
	const members, perMember = 8, 4
	names := []string{"owner"}
	for i := 1; i < members; i++ {
		names = append(names, fmt.Sprintf("member%d", i))
	}
	f := newFixture(t, names...)
	ctx := context.Background()

	var ids []string
	for _, n := range names[1:] {
		f.befriend(t, "owner", n)
		ids = append(ids, f.ids[n])
	}
	g, err := f.engine.CreateGroup(ctx, f.ids["owner"], "load", ids)
	if err != nil {
		t.Fatalf("CreateGroup() error = %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var seqs []int64
	for _, n := range names {
		for j := 0; j < perMember; j++ {
			wg.Add(1)
			go func(sender string, j int) {
				defer wg.Done()
				msg, err := f.engine.PostMessage(ctx, g.ID, sender, fmt.Sprintf("%s-%d", sender, j))
				if err != nil {
					t.Errorf("PostMessage() error = %v", err)
					return
				}
				mu.Lock()
				seqs = append(seqs, msg.Seq)
				mu.Unlock()
			}(f.ids[n], j)
		}
	}
	wg.Wait()

	total := members * perMember
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	if len(seqs) != total {
		t.Fatalf("got %d messages, want %d", len(seqs), total)
	}
	for i, s := range seqs {
		if s != int64(i+1) {
			t.Fatalf("sequence numbers = %v, want 1..%d without gaps", seqs, total)
		}
	}

	history := collect(t, f.engine, g.ID, f.ids["member3"], 0)
	if len(history) != total {
		t.Fatalf("FetchHistory() returned %d messages, want %d", len(history), total)
	}
	for i, m := range history {
		if m.Seq != int64(i+1) {
			t.Fatalf("history out of order at %d: seq %d", i, m.Seq)
		}
	}
}

func TestFetchHistory_SinceAndRestart(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	ctx := context.Background()
	f.befriend(t, "alice", "bob")
	c, _ := f.engine.OpenDirect(ctx, f.ids["alice"], f.ids["bob"])
	f.engine.pageSize = 2

	for i := 1; i <= 5; i++ {
		if _, err := f.engine.PostMessage(ctx, c.ID, f.ids["alice"], fmt.Sprintf("m%d", i)); err != nil {
			t.Fatalf("PostMessage() error = %v", err)
		}
	}

	got := collect(t, f.engine, c.ID, f.ids["bob"], 2)
	if len(got) != 3 || got[0].Body != "m3" || got[2].Body != "m5" {
		t.Errorf("FetchHistory(since 2) = %d messages", len(got))
	}

	seq, _ := f.engine.FetchHistory(ctx, c.ID, f.ids["bob"], 0)
	var first []string
	for msg, err := range seq {
		if err != nil {
			t.Fatal(err)
		}
		first = append(first, msg.Body)
		if len(first) == 2 {
			break
		}
	}
	var again []string
	for msg, err := range seq {
		if err != nil {
			t.Fatal(err)
		}
		again = append(again, msg.Body)
	}
	if len(first) != 2 || len(again) != 5 || again[0] != "m1" {
		t.Errorf("partial = %v, restart = %v", first, again)
	}

	// messages posted after the call are not part of the sequence
	_, _ = f.engine.PostMessage(ctx, c.ID, f.ids["bob"], "late")
	n := 0
	for range seq {
		n++
	}
	if n != 5 {
		t.Errorf("re-ranged sequence yielded %d messages, want 5", n)
	}

	if got := collect(t, f.engine, c.ID, f.ids["bob"], 6); len(got) != 0 {
		t.Errorf("FetchHistory(since last) = %d messages, want 0", len(got))
	}
}

func TestFetchHistory_Tampered(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	ctx := context.Background()
	f.befriend(t, "alice", "bob")
	c, _ := f.engine.OpenDirect(ctx, f.ids["alice"], f.ids["bob"])
	_, _ = f.engine.PostMessage(ctx, c.ID, f.ids["alice"], "one")
	m2, _ := f.engine.PostMessage(ctx, c.ID, f.ids["alice"], "two")

	bad := append([]byte(nil), m2.Ciphertext...)
	bad[len(bad)-1] ^= 1
	if err := f.db.Model(&models.Message{}).Where("id = ?", m2.ID).Update("ciphertext", bad).Error; err != nil {
		t.Fatalf("tamper: %v", err)
	}

	seq, err := f.engine.FetchHistory(ctx, c.ID, f.ids["bob"], 0)
	if err != nil {
		t.Fatalf("FetchHistory() error = %v", err)
	}
	var bodies []string
	var gotErr error
	for msg, err := range seq {
		if err != nil {
			gotErr = err
			break
		}
		bodies = append(bodies, msg.Body)
	}
	if !errors.Is(gotErr, models.ErrDecryptionFailed) {
		t.Errorf("FetchHistory() error = %v, want ErrDecryptionFailed", gotErr)
	}
	if len(bodies) != 1 || bodies[0] != "one" {
		t.Errorf("bodies before failure = %v", bodies)
	}
}

func TestFetchHistory_AcrossKeyRotation(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	ctx := context.Background()
	f.befriend(t, "alice", "bob")
	c, _ := f.engine.OpenDirect(ctx, f.ids["alice"], f.ids["bob"])

	_, _ = f.engine.PostMessage(ctx, c.ID, f.ids["alice"], "old key")
	if _, err := f.keys.Rotate(ctx, c.KeyScope()); err != nil {
		t.Fatalf("Rotate() error = %v", err)
	}
	m2, _ := f.engine.PostMessage(ctx, c.ID, f.ids["bob"], "new key")
	if m2.KeyVersion != 2 {
		t.Errorf("KeyVersion after rotation = %d, want 2", m2.KeyVersion)
	}

	got := collect(t, f.engine, c.ID, f.ids["alice"], 0)
	if len(got) != 2 || got[0].Body != "old key" || got[1].Body != "new key" {
		t.Errorf("FetchHistory() = %+v", got)
	}
}

type recordingNotifier struct {
	mu         sync.Mutex
	recipients [][]string
}

func (r *recordingNotifier) MessagePosted(recipients []string, msg *models.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recipients = append(r.recipients, recipients)
}

func TestNotifierAndListConversations(t *testing.T) {
	f := newFixture(t, "alice", "bob", "carol")
	ctx := context.Background()
	f.befriend(t, "alice", "bob")
	f.befriend(t, "alice", "carol")

	n := &recordingNotifier{}
	f.engine.SetNotifier(n)

	c, _ := f.engine.OpenDirect(ctx, f.ids["alice"], f.ids["bob"])
	g, _ := f.engine.CreateGroup(ctx, f.ids["alice"], "team", []string{f.ids["bob"], f.ids["carol"]})
	_, _ = f.engine.PostMessage(ctx, g.ID, f.ids["carol"], "hey")

	if len(n.recipients) != 1 || len(n.recipients[0]) != 3 {
		t.Errorf("notified recipients = %v, want one push to 3 members", n.recipients)
	}

	convs, err := f.engine.ListConversations(ctx, f.ids["bob"])
	if err != nil || len(convs) != 2 {
		t.Fatalf("ListConversations(bob) = %v, %v", convs, err)
	}
	if convs[0].ID != g.ID || convs[1].ID != c.ID {
		t.Errorf("ListConversations() order = [%s %s], want group first", convs[0].ID, convs[1].ID)
	}
	if convs, _ := f.engine.ListConversations(ctx, f.ids["carol"]); len(convs) != 1 {
		t.Errorf("ListConversations(carol) = %d, want 1", len(convs))
	}
}

func TestRestore(t *testing.T) {
	f := newFixture(t, "alice", "bob", "carol")
	ctx := context.Background()

	rc := RestoredConversation{
		ID:        "restored-group",
		Kind:      models.ConversationGroup,
		Name:      "old team",
		OwnerID:   "gone-user",
		MemberIDs: []string{f.ids["bob"]},
	}
	conv, created, err := f.engine.EnsureRestored(ctx, f.ids["alice"], rc)
	if err != nil || !created {
		t.Fatalf("EnsureRestored() = %v, %v, %v", conv, created, err)
	}
	if conv.OwnerID != f.ids["alice"] {
		t.Errorf("OwnerID = %s, want importer when archived owner is missing", conv.OwnerID)
	}

	msgs := []RestoredMessage{
		{Seq: 1, SenderID: f.ids["bob"], SenderName: "bob", Body: []byte("a")},
		{Seq: 2, SenderID: f.ids["alice"], SenderName: "alice", Body: []byte("b")},
	}
	n, err := f.engine.AppendRestored(ctx, conv, msgs)
	if err != nil || n != 2 {
		t.Fatalf("AppendRestored() = %d, %v; want 2", n, err)
	}
	if n, _ := f.engine.AppendRestored(ctx, conv, msgs); n != 0 {
		t.Errorf("AppendRestored() again inserted %d, want 0", n)
	}

	next, err := f.engine.PostMessage(ctx, conv.ID, f.ids["bob"], "c")
	if err != nil || next.Seq != 3 {
		t.Errorf("PostMessage() after restore = %v, %v; want seq 3", next, err)
	}

	if _, _, err := f.engine.EnsureRestored(ctx, f.ids["carol"], rc); !errors.Is(err, ErrSkipConversation) {
		t.Errorf("EnsureRestored() by non-member error = %v, want ErrSkipConversation", err)
	}
	if _, created, err := f.engine.EnsureRestored(ctx, f.ids["alice"], rc); err != nil || created {
		t.Errorf("EnsureRestored() second time = %v, %v", created, err)
	}

	direct := RestoredConversation{ID: "restored-direct", Kind: models.ConversationDirect, MemberIDs: []string{f.ids["alice"]}}
	if _, _, err := f.engine.EnsureRestored(ctx, f.ids["alice"], direct); !errors.Is(err, ErrSkipConversation) {
		t.Errorf("EnsureRestored() direct with missing peer error = %v", err)
	}
}
