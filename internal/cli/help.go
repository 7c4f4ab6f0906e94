package cli

// helpEntry documents one command for the help listing.
type helpEntry struct {
	Name string `json:"name"`
	Args string `json:"args,omitempty"`
	Desc string `json:"desc"`
}

var helpEntries = []helpEntry{
	{"start", "[--ephemeral]", "start the background worker"},
	{"stop", "", "stop the background worker"},
	{"status", "", "worker liveness and health heartbeat"},
	{"me", "[--auth-token t]", "show this agent's keys"},
	{"send", "<target> <message>", "send an encrypted direct message"},
	{"recv", "[filters]", "read and consume inbox messages"},
	{"peek", "[filters]", "read inbox messages without consuming"},
	{"watch", "[--count n] [--timeout ms] [filters]", "wait for incoming messages"},
	{"result", "[cmdId] [--limit n]", "look up command results"},
	{"groups", "", "list known groups"},
	{"group-create", "<name>", "create a group and subscribe to its topic"},
	{"group-join", "<groupId> [topic] [--name n]", "join a group"},
	{"group-leave", "<groupId>", "leave a group"},
	{"group-send", "<groupId> <message>", "send an encrypted group message"},
	{"group-members", "<groupId>", "list a group's members and roles"},
	{"group-history", "<groupId> [--limit n]", "show a group's message history"},
	{"group-kick", "<groupId> <target>", "remove a member (admin)"},
	{"group-ban", "<groupId> <target>", "ban a member (admin)"},
	{"group-unban", "<groupId> <target>", "lift a ban (admin)"},
	{"group-mute", "<groupId> <target> [durationMs]", "mute a member (admin)"},
	{"group-unmute", "<groupId> <target>", "unmute a member (admin)"},
	{"group-admin", "<groupId> <target> <true|false>", "grant or revoke admin (owner)"},
	{"group-transfer", "<groupId> <target>", "transfer group ownership (owner)"},
	{"queue-status", "[--limit n]", "show the offline retry queue"},
	{"relay-status", "[--timeout ms]", "probe configured relays live"},
	{"relay-health", "[--points n]", "persisted relay scores and history"},
	{"relay-recover", "<url>", "clear a relay's blacklist entry"},
	{"relay-blacklist", "", "list blacklisted relays"},
	{"peers", "", "list recently seen agents"},
	{"contact-add", "<alias> <pubkey|npub>", "save a contact alias"},
	{"contact-remove", "<alias>", "delete a contact alias"},
	{"contact-list", "", "list saved contacts"},
	{"help", "", "this listing"},
}

func runHelp(_ []string) {
	emitOK(map[string]any{
		"usage":    "pulse <command> [args] [--config path] [--data-dir path]",
		"filters":  "--from --since --until --search --group --limit --offset",
		"commands": helpEntries,
	})
}
