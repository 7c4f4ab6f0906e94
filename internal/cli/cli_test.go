package cli

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/agent-pulse/pulse/internal/command"
	"github.com/agent-pulse/pulse/internal/fault"
	"github.com/agent-pulse/pulse/internal/identity"
	"github.com/agent-pulse/pulse/internal/msglog"
	"github.com/agent-pulse/pulse/internal/store"
)

// testDir neutralizes the ambient config sources and returns a fresh data
// directory to point commands at.
func testDir(t *testing.T) string {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	for _, v := range []string{
		"AGENT_PULSE_CONFIG", "AGENT_PULSE_DATA_DIR", "AGENT_PULSE_RELAYS",
		"AGENT_PULSE_TOPIC", "AGENT_PULSE_NAME", "AGENT_PULSE_WEBHOOK_URL",
		"AGENT_PULSE_EPHEMERAL", "SECRET_KEY_EXPORT_AUTH",
	} {
		t.Setenv(v, "")
	}
	return t.TempDir()
}

// runJSON captures one invocation's single JSON output line.
func runJSON(t *testing.T, args ...string) map[string]any {
	t.Helper()
	var buf bytes.Buffer
	old := stdout
	stdout = &buf
	defer func() { stdout = old }()

	Run(args)

	line := strings.TrimSpace(buf.String())
	if strings.Contains(line, "\n") {
		t.Fatalf("output is more than one line: %q", buf.String())
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(line), &out); err != nil {
		t.Fatalf("output is not JSON: %q: %v", line, err)
	}
	return out
}

func wantOK(t *testing.T, out map[string]any) {
	t.Helper()
	if ok, _ := out["ok"].(bool); !ok {
		t.Fatalf("ok = %v, output = %v", out["ok"], out)
	}
}

func wantErrCode(t *testing.T, out map[string]any, code fault.Code) {
	t.Helper()
	if ok, _ := out["ok"].(bool); ok {
		t.Fatalf("expected failure, output = %v", out)
	}
	if out["code"] != string(code) {
		t.Errorf("code = %v, want %s, output = %v", out["code"], code, out)
	}
}

func newNpub(t *testing.T) (npub, hexKey string) {
	t.Helper()
	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		t.Fatalf("GetPublicKey: %v", err)
	}
	npub, err = identity.EncodeNpub(pk)
	if err != nil {
		t.Fatalf("EncodeNpub: %v", err)
	}
	return npub, pk
}

func TestUnknownCommand(t *testing.T) {
	testDir(t)
	out := runJSON(t, "definitely-not-a-command")
	wantErrCode(t, out, fault.UnknownCommand)
	if out["suggestion"] == "" {
		t.Error("unknown command carries no suggestion")
	}
}

func TestHelpListsEveryCommand(t *testing.T) {
	testDir(t)
	out := runJSON(t, "help")
	wantOK(t, out)
	cmds, _ := out["commands"].([]any)
	if len(cmds) != len(helpEntries) {
		t.Errorf("help lists %d commands, want %d", len(cmds), len(helpEntries))
	}
	if usage, _ := out["usage"].(string); !strings.Contains(usage, "pulse") {
		t.Errorf("usage = %q", out["usage"])
	}
}

func TestMeCreatesStableIdentity(t *testing.T) {
	dir := testDir(t)

	first := runJSON(t, "me", "--data-dir", dir)
	wantOK(t, first)
	pubkey, _ := first["pubkey"].(string)
	if len(pubkey) != 64 {
		t.Fatalf("pubkey = %q, want 64 hex chars", pubkey)
	}
	if npub, _ := first["npub"].(string); !strings.HasPrefix(npub, "npub1") {
		t.Errorf("npub = %q", first["npub"])
	}
	if _, leaked := first["secretKey"]; leaked {
		t.Error("secret key printed without authorization")
	}

	second := runJSON(t, "me", "--data-dir", dir)
	if second["pubkey"] != pubkey {
		t.Errorf("identity not stable across calls: %v then %v", pubkey, second["pubkey"])
	}
}

func TestMeSecretExport(t *testing.T) {
	dir := testDir(t)
	t.Setenv("SECRET_KEY_EXPORT_AUTH", "tok-a, tok-b")

	denied := runJSON(t, "me", "--data-dir", dir, "--auth-token", "wrong")
	wantErrCode(t, denied, fault.ExportDenied)

	granted := runJSON(t, "me", "--data-dir", dir, "--auth-token", "tok-b")
	wantOK(t, granted)
	if nsec, _ := granted["nsec"].(string); !strings.HasPrefix(nsec, "nsec1") {
		t.Errorf("nsec = %q", granted["nsec"])
	}
	if sk, _ := granted["secretKey"].(string); len(sk) != 64 {
		t.Errorf("secretKey = %q, want 64 hex chars", granted["secretKey"])
	}
}

func TestStatusNotRunning(t *testing.T) {
	dir := testDir(t)
	out := runJSON(t, "status", "--data-dir", dir)
	wantOK(t, out)
	if running, _ := out["running"].(bool); running {
		t.Error("reported running with no worker")
	}
}

func TestStopWithoutWorker(t *testing.T) {
	dir := testDir(t)
	out := runJSON(t, "stop", "--data-dir", dir)
	wantErrCode(t, out, fault.ServiceNotRunning)
}

func TestSendUsage(t *testing.T) {
	dir := testDir(t)
	out := runJSON(t, "send", "--data-dir", dir)
	wantErrCode(t, out, fault.InvalidArgs)
	if msg, _ := out["error"].(string); !strings.Contains(msg, "usage: send") {
		t.Errorf("error = %q", out["error"])
	}
}

func TestSendRejectsUnknownTarget(t *testing.T) {
	dir := testDir(t)
	out := runJSON(t, "send", "nobody-i-know", "hi", "--data-dir", dir)
	wantErrCode(t, out, fault.InvalidPubKey)
}

func TestSendQueuesWithoutWorker(t *testing.T) {
	dir := testDir(t)
	npub, hexKey := newNpub(t)

	out := runJSON(t, "send", npub, "hello", "world", "--data-dir", dir)
	wantOK(t, out)
	if q, _ := out["queued"].(bool); !q {
		t.Fatalf("output = %v, want queued=true", out)
	}
	cmdID, _ := out["cmdId"].(string)
	if cmdID == "" {
		t.Fatal("no cmdId in queued response")
	}

	// The command is on disk for the next worker start, with the npub
	// already resolved and the message words joined.
	cmds, err := command.NewChannel(dir, store.NewLock(dir)).Drain()
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(cmds) != 1 {
		t.Fatalf("drained %d commands, want 1", len(cmds))
	}
	if cmds[0].ID != cmdID || cmds[0].Type != command.TypeSend ||
		cmds[0].Target != hexKey || cmds[0].Content != "hello world" {
		t.Errorf("queued command = %+v", cmds[0])
	}

	// No worker ever ran it, so there is no result.
	lookup := runJSON(t, "result", cmdID, "--data-dir", dir)
	wantOK(t, lookup)
	if found, _ := lookup["found"].(bool); found {
		t.Errorf("result reported found for an unexecuted command: %v", lookup)
	}
}

func TestFlagsMixWithPositionals(t *testing.T) {
	dir := testDir(t)
	npub, _ := newNpub(t)

	// Flags before, between, and after the positionals all parse.
	out := runJSON(t, "send", "--data-dir", dir, npub, "hi")
	wantOK(t, out)
	out = runJSON(t, "send", npub, "--data-dir", dir, "hi")
	wantOK(t, out)
	out = runJSON(t, "send", npub, "hi", "--data-dir", dir)
	wantOK(t, out)
}

func TestContactLifecycle(t *testing.T) {
	dir := testDir(t)
	npub, hexKey := newNpub(t)

	wantOK(t, runJSON(t, "contact-add", "alice", npub, "--data-dir", dir))

	list := runJSON(t, "contact-list", "--data-dir", dir)
	wantOK(t, list)
	if n, _ := list["count"].(float64); n != 1 {
		t.Fatalf("count = %v, want 1", list["count"])
	}

	// Aliases resolve on the send path.
	sent := runJSON(t, "send", "alice", "ping", "--data-dir", dir)
	wantOK(t, sent)
	cmds, err := command.NewChannel(dir, store.NewLock(dir)).Drain()
	if err != nil || len(cmds) != 1 {
		t.Fatalf("Drain = %v, %v", cmds, err)
	}
	if cmds[0].Target != hexKey {
		t.Errorf("alias resolved to %s, want %s", cmds[0].Target, hexKey)
	}

	wantOK(t, runJSON(t, "contact-remove", "alice", "--data-dir", dir))
	list = runJSON(t, "contact-list", "--data-dir", dir)
	if n, _ := list["count"].(float64); n != 0 {
		t.Errorf("count after remove = %v, want 0", list["count"])
	}

	gone := runJSON(t, "send", "alice", "ping", "--data-dir", dir)
	wantErrCode(t, gone, fault.InvalidPubKey)
}

func TestContactAddRejectsKeyShapedAlias(t *testing.T) {
	dir := testDir(t)
	npub, _ := newNpub(t)
	out := runJSON(t, "contact-add", npub, npub, "--data-dir", dir)
	wantErrCode(t, out, fault.InvalidArgs)
}

// seedLog writes messages the way the worker's dispatcher would.
func seedLog(t *testing.T, dir string, msgs ...msglog.StoredMessage) {
	t.Helper()
	key, err := store.LoadStorageKey(dir)
	if err != nil {
		t.Fatalf("LoadStorageKey: %v", err)
	}
	envlp, err := store.NewEnvelope(key)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	lg := msglog.New(dir, envlp, store.NewLock(dir))
	for _, m := range msgs {
		if err := lg.Append(m); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
}

func TestRecvEmpty(t *testing.T) {
	dir := testDir(t)
	out := runJSON(t, "recv", "--data-dir", dir)
	wantOK(t, out)
	if n, _ := out["count"].(float64); n != 0 {
		t.Errorf("count = %v, want 0", out["count"])
	}
	if msgs, ok := out["messages"].([]any); !ok || len(msgs) != 0 {
		t.Errorf("messages = %v, want an empty array", out["messages"])
	}
}

func TestPeekAndRecvFilters(t *testing.T) {
	dir := testDir(t)
	_, alice := newNpub(t)
	_, bob := newNpub(t)
	gid := "g1"
	now := time.Now().UnixMilli()

	seedLog(t, dir,
		msglog.StoredMessage{ID: "m1", From: alice, Content: "alpha report", Timestamp: now - 3000, ReceivedAt: now},
		msglog.StoredMessage{ID: "m2", From: bob, Content: "bravo report", Timestamp: now - 2000, ReceivedAt: now},
		msglog.StoredMessage{ID: "m3", From: alice, Content: "charlie", Timestamp: now - 1000, ReceivedAt: now, IsGroup: true, GroupID: &gid},
	)

	// peek never consumes.
	for i := 0; i < 2; i++ {
		out := runJSON(t, "peek", "--data-dir", dir)
		wantOK(t, out)
		if n, _ := out["count"].(float64); n != 3 {
			t.Fatalf("peek #%d count = %v, want 3", i+1, out["count"])
		}
	}

	out := runJSON(t, "peek", "--search", "report", "--data-dir", dir)
	if n, _ := out["count"].(float64); n != 2 {
		t.Errorf("search count = %v, want 2", out["count"])
	}
	out = runJSON(t, "peek", "--group", gid, "--data-dir", dir)
	if n, _ := out["count"].(float64); n != 1 {
		t.Errorf("group count = %v, want 1", out["count"])
	}
	out = runJSON(t, "peek", "--group", "-", "--data-dir", dir)
	if n, _ := out["count"].(float64); n != 2 {
		t.Errorf("direct-only count = %v, want 2", out["count"])
	}
	out = runJSON(t, "peek", "--limit", "1", "--offset", "1", "--data-dir", dir)
	if n, _ := out["count"].(float64); n != 1 {
		t.Errorf("paged count = %v, want 1", out["count"])
	}

	// recv consumes only what the filter matched.
	out = runJSON(t, "recv", "--from", alice, "--data-dir", dir)
	if n, _ := out["count"].(float64); n != 2 {
		t.Fatalf("recv from alice count = %v, want 2", out["count"])
	}
	out = runJSON(t, "recv", "--data-dir", dir)
	if n, _ := out["count"].(float64); n != 1 {
		t.Fatalf("recv remaining count = %v, want 1", out["count"])
	}
	out = runJSON(t, "recv", "--data-dir", dir)
	if n, _ := out["count"].(float64); n != 0 {
		t.Errorf("recv on drained log count = %v, want 0", out["count"])
	}
}

func TestWatchCollectsSeededMessages(t *testing.T) {
	dir := testDir(t)
	_, alice := newNpub(t)
	now := time.Now().UnixMilli()
	seedLog(t, dir,
		msglog.StoredMessage{ID: "m1", From: alice, Content: "one", Timestamp: now, ReceivedAt: now},
		msglog.StoredMessage{ID: "m2", From: alice, Content: "two", Timestamp: now, ReceivedAt: now},
	)

	out := runJSON(t, "watch", "--count", "2", "--timeout", "3000", "--data-dir", dir)
	wantOK(t, out)
	if n, _ := out["count"].(float64); n != 2 {
		t.Errorf("count = %v, want 2", out["count"])
	}
	if complete, _ := out["complete"].(bool); !complete {
		t.Error("watch with enough messages reported incomplete")
	}
}

func TestWatchTimesOut(t *testing.T) {
	dir := testDir(t)
	out := runJSON(t, "watch", "--timeout", "100", "--data-dir", dir)
	wantOK(t, out)
	if complete, _ := out["complete"].(bool); complete {
		t.Error("empty watch reported complete")
	}
	if n, _ := out["count"].(float64); n != 0 {
		t.Errorf("count = %v, want 0", out["count"])
	}
}

func TestResultLookupAndListing(t *testing.T) {
	dir := testDir(t)
	ch := command.NewChannel(dir, store.NewLock(dir))
	for _, r := range []command.Result{
		{CmdID: "c-old", Success: true, TS: 1},
		{CmdID: "c-new", Success: false, Code: string(fault.MessageRetryExhausted), Message: "gave up", TS: 2},
	} {
		if err := ch.PushResult(r); err != nil {
			t.Fatalf("PushResult: %v", err)
		}
	}

	lookup := runJSON(t, "result", "c-new", "--data-dir", dir)
	wantOK(t, lookup)
	if found, _ := lookup["found"].(bool); !found {
		t.Fatalf("result c-new not found: %v", lookup)
	}
	res, _ := lookup["result"].(map[string]any)
	if res["cmdId"] != "c-new" || res["code"] != string(fault.MessageRetryExhausted) {
		t.Errorf("result = %v", res)
	}

	listing := runJSON(t, "result", "--limit", "1", "--data-dir", dir)
	wantOK(t, listing)
	if n, _ := listing["count"].(float64); n != 1 {
		t.Fatalf("count = %v, want 1", listing["count"])
	}
	rows, _ := listing["results"].([]any)
	if row, _ := rows[0].(map[string]any); row["cmdId"] != "c-new" {
		t.Errorf("listing kept %v, want the newest result", rows[0])
	}

	missing := runJSON(t, "result", "c-none", "--data-dir", dir)
	wantOK(t, missing)
	if found, _ := missing["found"].(bool); found {
		t.Error("nonexistent result reported found")
	}
}

func TestGroupCommandsRequireWorker(t *testing.T) {
	dir := testDir(t)
	npub, _ := newNpub(t)

	for _, args := range [][]string{
		{"group-create", "ops"},
		{"group-join", "g1"},
		{"group-leave", "g1"},
		{"group-kick", "g1", npub},
		{"group-transfer", "g1", npub},
	} {
		out := runJSON(t, append(args, "--data-dir", dir)...)
		wantErrCode(t, out, fault.ServiceNotRunning)
	}
}

func TestRelayRecoverWithoutWorkerEditsBook(t *testing.T) {
	dir := testDir(t)
	// With no worker the persisted book is edited directly.
	out := runJSON(t, "relay-recover", "wss://relay.example.com", "--data-dir", dir)
	wantOK(t, out)
	if out["recovered"] != "wss://relay.example.com" {
		t.Errorf("recovered = %v", out["recovered"])
	}
}

func TestGroupsEmpty(t *testing.T) {
	dir := testDir(t)
	out := runJSON(t, "groups", "--data-dir", dir)
	wantOK(t, out)
	if n, _ := out["count"].(float64); n != 0 {
		t.Errorf("count = %v, want 0", out["count"])
	}
}

func TestGroupMembersUnknownGroup(t *testing.T) {
	dir := testDir(t)
	out := runJSON(t, "group-members", "no-such-group", "--data-dir", dir)
	wantErrCode(t, out, fault.GroupNotFound)
}

func TestGroupHistoryUnknownGroup(t *testing.T) {
	dir := testDir(t)
	out := runJSON(t, "group-history", "no-such-group", "--data-dir", dir)
	wantErrCode(t, out, fault.GroupNotFound)
}

func TestModerationArgumentValidation(t *testing.T) {
	dir := testDir(t)
	npub, _ := newNpub(t)

	out := runJSON(t, "group-kick", "g1", "--data-dir", dir)
	wantErrCode(t, out, fault.InvalidArgs)

	out = runJSON(t, "group-mute", "g1", npub, "soon", "--data-dir", dir)
	wantErrCode(t, out, fault.InvalidArgs)

	out = runJSON(t, "group-admin", "g1", npub, "--data-dir", dir)
	wantErrCode(t, out, fault.InvalidArgs)

	out = runJSON(t, "group-admin", "g1", npub, "maybe", "--data-dir", dir)
	wantErrCode(t, out, fault.InvalidArgs)
}

func TestQueueStatusEmpty(t *testing.T) {
	dir := testDir(t)
	out := runJSON(t, "queue-status", "--data-dir", dir)
	wantOK(t, out)
	if n, _ := out["size"].(float64); n != 0 {
		t.Errorf("size = %v, want 0", out["size"])
	}
}

func TestRelayHealthEmptyBook(t *testing.T) {
	dir := testDir(t)
	out := runJSON(t, "relay-health", "--data-dir", dir)
	wantOK(t, out)
	if relays, ok := out["relays"].([]any); !ok || len(relays) != 0 {
		t.Errorf("relays = %v, want an empty array", out["relays"])
	}
}

func TestRelayBlacklistEmpty(t *testing.T) {
	dir := testDir(t)
	out := runJSON(t, "relay-blacklist", "--data-dir", dir)
	wantOK(t, out)
	if n, _ := out["count"].(float64); n != 0 {
		t.Errorf("count = %v, want 0", out["count"])
	}
}

func TestRelayStatusProbesDeadRelay(t *testing.T) {
	dir := testDir(t)
	// Nothing listens on port 1; the dial fails fast.
	t.Setenv("AGENT_PULSE_RELAYS", "ws://127.0.0.1:1")

	out := runJSON(t, "relay-status", "--timeout", "1000", "--data-dir", dir)
	wantOK(t, out)
	if n, _ := out["reachable"].(float64); n != 0 {
		t.Errorf("reachable = %v, want 0", out["reachable"])
	}
	relays, _ := out["relays"].([]any)
	if len(relays) != 1 {
		t.Fatalf("relays = %v, want one probe", out["relays"])
	}
	probe, _ := relays[0].(map[string]any)
	if reachable, _ := probe["reachable"].(bool); reachable {
		t.Error("dead relay probed reachable")
	}
	if msg, _ := probe["error"].(string); msg == "" {
		t.Error("failed probe carries no error")
	}
}

func TestPeersEmpty(t *testing.T) {
	dir := testDir(t)
	out := runJSON(t, "peers", "--data-dir", dir)
	wantOK(t, out)
	if n, _ := out["count"].(float64); n != 0 {
		t.Errorf("count = %v, want 0", out["count"])
	}
}
