package chat

// roster is the registry's view of who is online, kept in join order.
// It is owned by the registry goroutine and never locked.
type roster struct {
	byName map[string]*Client
	order  []*Client
}

func newRoster() *roster {
	return &roster{byName: make(map[string]*Client)}
}

func (ro *roster) add(c *Client) {
	ro.byName[c.Nickname] = c
	ro.order = append(ro.order, c)
}

// remove drops c if it is the client currently registered under its
// nickname, and reports whether it did.
func (ro *roster) remove(c *Client) bool {
	if c == nil || ro.byName[c.Nickname] != c {
		return false
	}
	delete(ro.byName, c.Nickname)
	for i, o := range ro.order {
		if o == c {
			ro.order = append(ro.order[:i], ro.order[i+1:]...)
			break
		}
	}
	return true
}

func (ro *roster) has(c *Client) bool {
	return c != nil && c.Nickname != "" && ro.byName[c.Nickname] == c
}

func (ro *roster) find(nickname string) *Client {
	return ro.byName[nickname]
}

func (ro *roster) names() []string {
	names := make([]string, 0, len(ro.order))
	for _, c := range ro.order {
		names = append(names, c.Nickname)
	}
	return names
}

func (ro *roster) clients() []*Client {
	return append([]*Client(nil), ro.order...)
}

func (ro *roster) clear() {
	ro.byName = make(map[string]*Client)
	ro.order = nil
}

func (ro *roster) len() int {
	return len(ro.order)
}
