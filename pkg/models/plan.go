package models

// TodoStatus tracks a plan node through execution.
type TodoStatus string

const (
	TodoPending    TodoStatus = "pending"
	TodoInProgress TodoStatus = "in_progress"
	TodoCompleted  TodoStatus = "completed"
)

// TodoNode is one step in a plan. Dependencies reference other node ids.
type TodoNode struct {
	ID           string     `json:"id"`
	Content      string     `json:"content"`
	Status       TodoStatus `json:"status"`
	Dependencies []string   `json:"dependencies,omitempty"`
	Result       string     `json:"result,omitempty"`
}

// Plan is a DAG of todo nodes. It is mutated only through the plan_todo tool
// and rendered into the prompt by the plan injector.
type Plan struct {
	Nodes []TodoNode `json:"nodes"`
}

// Progress returns completed and total node counts.
func (p *Plan) Progress() (done, total int) {
	for _, n := range p.Nodes {
		if n.Status == TodoCompleted {
			done++
		}
	}
	return done, len(p.Nodes)
}

// Next returns the first pending node whose dependencies are all completed,
// or nil when nothing is runnable.
func (p *Plan) Next() *TodoNode {
	byID := make(map[string]*TodoNode, len(p.Nodes))
	for i := range p.Nodes {
		byID[p.Nodes[i].ID] = &p.Nodes[i]
	}
	for i := range p.Nodes {
		n := &p.Nodes[i]
		if n.Status != TodoPending {
			continue
		}
		ready := true
		for _, dep := range n.Dependencies {
			if d, ok := byID[dep]; !ok || d.Status != TodoCompleted {
				ready = false
				break
			}
		}
		if ready {
			return n
		}
	}
	return nil
}

// Get returns the node with the given id.
func (p *Plan) Get(id string) (*TodoNode, bool) {
	for i := range p.Nodes {
		if p.Nodes[i].ID == id {
			return &p.Nodes[i], true
		}
	}
	return nil, false
}

// Upsert adds the node or replaces the node with the same id.
func (p *Plan) Upsert(node TodoNode) {
	for i := range p.Nodes {
		if p.Nodes[i].ID == node.ID {
			p.Nodes[i] = node
			return
		}
	}
	p.Nodes = append(p.Nodes, node)
}
