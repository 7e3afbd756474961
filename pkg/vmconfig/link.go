package vmconfig

import "sort"

type NodeKind string

const (
	KindHost   NodeKind = "host"
	KindSwitch NodeKind = "switch"
)

// Link is an undirected edge between two nodes. ID is the link's position in
// the topology and tells parallel links apart.
type Link struct {
	ID       int
	Src      string
	Dest     string
	SrcKind  NodeKind
	DestKind NodeKind
}

func (l Link) Has(name string) bool {
	return l.Src == name || l.Dest == name
}

// Peer returns the endpoint opposite to name.
func (l Link) Peer(name string) string {
	if l.Src == name {
		return l.Dest
	}

	return l.Src
}

func (l Link) KindOf(name string) NodeKind {
	if l.Src == name {
		return l.SrcKind
	}

	return l.DestKind
}

// Index lists the links incident to each node, in topology order.
type Index map[string][]Link

func (i Index) add(link Link) {
	i[link.Src] = append(i[link.Src], link)
	i[link.Dest] = append(i[link.Dest], link)
}

// Links returns every indexed link once, ordered by ID.
func (i Index) Links() []Link {
	seen := map[int]struct{}{}
	links := []Link{}
	for _, incident := range i {
		for _, link := range incident {
			if _, ok := seen[link.ID]; ok {
				continue
			}
			seen[link.ID] = struct{}{}

			links = append(links, link)
		}
	}

	sort.Slice(links, func(a, b int) bool {
		return links[a].ID < links[b].ID
	})

	return links
}
