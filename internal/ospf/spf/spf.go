// Package spf computes OSPF shortest paths (RFC 2328 §16): a directed
// graph built from Router LSAs (point-to-point and stub links) and
// Network LSAs (transit networks), Dijkstra rooted at this router's own
// Router LSA, ties broken by fewer hops then lower neighbor router-id.
package spf

import (
	"bytes"
	"container/heap"
	"net"

	"routeragent/internal/ospf/codec"
	"routeragent/internal/ospf/lsdb"
	"routeragent/internal/route"
)

// Row is one entry of the routing table SPF emits.
type Row struct {
	Prefix  route.Prefix
	Cost    uint32
	NextHop net.IP
	Hops    int
}

// nodeKind distinguishes router vertices from transit-network
// pseudo-vertices in the SPF graph.
type nodeKind uint8

const (
	kindRouter nodeKind = iota
	kindNetwork
)

type vertexID struct {
	kind nodeKind
	id   string // router-id, or the network LSA's link-state-id for a transit network
}

type edge struct {
	to     vertexID
	metric uint32
}

type graph struct {
	edges map[vertexID][]edge
}

func newGraph() *graph {
	return &graph{edges: make(map[vertexID][]edge)}
}

func (g *graph) addEdge(from, to vertexID, metric uint32) {
	g.edges[from] = append(g.edges[from], edge{to: to, metric: metric})
}

// item is one entry in the Dijkstra priority queue.
type item struct {
	v         vertexID
	cost      uint32
	hops      int
	nextHop   net.IP // first-hop address from root, propagated along the path
	nextHopID string // first-hop router-id from root, propagated along the path
	index     int
}

type priorityQueue []*item

func (pq priorityQueue) Len() int { return len(pq) }
func (pq priorityQueue) Less(i, j int) bool {
	if pq[i].cost != pq[j].cost {
		return pq[i].cost < pq[j].cost
	}
	return pq[i].hops < pq[j].hops
}
func (pq priorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index, pq[j].index = i, j
}
func (pq *priorityQueue) Push(x interface{}) {
	n := len(*pq)
	it := x.(*item)
	it.index = n
	*pq = append(*pq, it)
}
func (pq *priorityQueue) Pop() interface{} {
	old := *pq
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*pq = old[:n-1]
	return it
}

type best struct {
	cost    uint32
	hops    int
	nextHop net.IP
	fromID  string // immediate next-hop router-id, for the lower-router-id tie-break
}

// Compute runs Dijkstra rooted at rootRouterID over every Router/Network
// LSA in db, then attaches stub-link destinations as leaves, returning one
// Row per reachable destination prefix.
func Compute(rootRouterID net.IP, db *lsdb.Database) []Row {
	g, stubs := buildGraph(db)
	root := vertexID{kind: kindRouter, id: rootRouterID.String()}

	dist := map[vertexID]best{root: {cost: 0, hops: 0}}
	visited := make(map[vertexID]bool)

	pq := &priorityQueue{}
	heap.Init(pq)
	heap.Push(pq, &item{v: root, cost: 0, hops: 0})

	for pq.Len() > 0 {
		cur := heap.Pop(pq).(*item)
		if visited[cur.v] {
			continue
		}
		visited[cur.v] = true

		for _, e := range g.edges[cur.v] {
			if visited[e.to] {
				continue
			}
			newCost := cur.cost + e.metric
			newHops := cur.hops + 1

			nextHop := cur.nextHop
			nextHopID := cur.nextHopID
			if cur.v == root {
				// First hop off the root: the next-hop identity is the
				// neighbor itself, established here and carried unchanged
				// down every subsequent hop of this path.
				nextHop = firstHopAddress(g, root, e.to)
				nextHopID = e.to.id
			}

			existing, known := dist[e.to]
			if !known || isBetter(newCost, newHops, nextHopID, existing) {
				dist[e.to] = best{cost: newCost, hops: newHops, nextHop: nextHop, fromID: nextHopID}
				heap.Push(pq, &item{v: e.to, cost: newCost, hops: newHops, nextHop: nextHop, nextHopID: nextHopID})
			}
		}
	}

	var rows []Row
	for _, s := range stubs {
		originVertex := vertexID{kind: s.originKind, id: s.origin}
		var nh net.IP
		var hops int
		var totalCost uint32
		switch {
		case s.originKind == kindRouter && s.origin == root.id:
			// Stub link attached directly to this router: reachable in one
			// hop with no intervening next-hop router.
			totalCost = s.metric
			hops = 1
			nh = nil
		case s.originKind == kindNetwork:
			// The prefix IS the transit network vertex already placed by
			// Dijkstra; it costs nothing extra to reach beyond the network
			// vertex itself.
			originCost, ok := dist[originVertex]
			if !ok {
				continue
			}
			totalCost = originCost.cost + s.metric
			hops = originCost.hops
			nh = originCost.nextHop
		default:
			originCost, ok := dist[originVertex]
			if !ok {
				continue
			}
			totalCost = originCost.cost + s.metric
			hops = originCost.hops + 1
			nh = originCost.nextHop
		}
		rows = append(rows, Row{Prefix: codec.Prefix(s.networkID, s.mask), Cost: totalCost, NextHop: nh, Hops: hops})
	}
	return rows
}

// isBetter reports whether a candidate (cost, hops, nextHopID) improves on
// the currently recorded best path: lower cost, then fewer hops, then
// lower neighbor router-id.
func isBetter(cost uint32, hops int, nextHopID string, cur best) bool {
	if cost != cur.cost {
		return cost < cur.cost
	}
	if hops != cur.hops {
		return hops < cur.hops
	}
	return bytes.Compare(net.ParseIP(nextHopID).To4(), net.ParseIP(cur.fromID).To4()) < 0
}

func firstHopAddress(g *graphWithAddrs, root, neighbor vertexID) net.IP {
	if addr, ok := g.interfaceAddr[edgeKey{root, neighbor}]; ok {
		return addr
	}
	return nil
}

type edgeKey struct {
	from, to vertexID
}

type stubRoute struct {
	originKind nodeKind // kindRouter: dist looked up by advertisingRouter; kindNetwork: dist looked up by the network vertex itself
	origin     string
	networkID  net.IP
	mask       net.IPMask
	metric     uint32
}

func buildGraph(db *lsdb.Database) (*graphWithAddrs, []stubRoute) {
	g := &graphWithAddrs{graph: newGraph(), interfaceAddr: make(map[edgeKey]net.IP)}
	var stubs []stubRoute

	for _, lsa := range db.All() {
		switch lsa.Header.Type {
		case codec.LSARouter:
			body, err := codec.DecodeRouterLSABody(lsa.Body)
			if err != nil {
				continue
			}
			from := vertexID{kind: kindRouter, id: lsa.Header.AdvertisingRouter.String()}
			for _, link := range body.Links {
				switch link.Type {
				case codec.LinkPointToPoint:
					to := vertexID{kind: kindRouter, id: link.LinkID.String()}
					g.addEdge(from, to, uint32(link.Metric))
					// link.LinkData is from's own interface address on this
					// link (RFC 2328 Table 15); that is the address a packet
					// destined for "from" gets sent to, so it is recorded as
					// the next-hop for the reverse direction (to -> from).
					g.interfaceAddr[edgeKey{to, from}] = link.LinkData
				case codec.LinkTransit:
					to := vertexID{kind: kindNetwork, id: link.LinkID.String()}
					g.addEdge(from, to, uint32(link.Metric))
					g.interfaceAddr[edgeKey{to, from}] = link.LinkData
				case codec.LinkStub:
					stubs = append(stubs, stubRoute{
						originKind: kindRouter,
						origin:     lsa.Header.AdvertisingRouter.String(),
						networkID:  link.LinkID,
						mask:       net.IPMask(link.LinkData.To4()),
						metric:     uint32(link.Metric),
					})
				}
			}
		case codec.LSANetwork:
			body, err := codec.DecodeNetworkLSABody(lsa.Body)
			if err != nil {
				continue
			}
			netVertex := vertexID{kind: kindNetwork, id: lsa.Header.LinkStateID.String()}
			for _, attached := range body.AttachedRouters {
				to := vertexID{kind: kindRouter, id: attached.String()}
				g.addEdge(netVertex, to, 0)
				g.interfaceAddr[edgeKey{netVertex, to}] = attached
			}
			stubs = append(stubs, stubRoute{
				originKind: kindNetwork,
				origin:     lsa.Header.LinkStateID.String(),
				networkID:  lsa.Header.LinkStateID,
				mask:       body.NetworkMask,
				metric:     0,
			})
		}
	}
	return g, stubs
}

type graphWithAddrs struct {
	*graph
	interfaceAddr map[edgeKey]net.IP
}
