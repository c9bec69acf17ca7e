// Package topology models a deployed application topology: a set of
// deployable items, each naming the items it depends on.
//
// Topologies are usually authored as YAML documents:
//
//	id: shop
//	entity_id: 1
//	type: deployment
//	label: Web shop
//	items:
//	  - name: db
//	    type: database
//	    id: 10
//	  - name: api
//	    type: service
//	    id: 11
//	    depends_on: [db]
//
// Item names are unique within a topology and are the identity used when the
// dependency graph is built.
package topology

// Item is one deployable entity of a topology.
type Item struct {
	// Name identifies the item within its topology.
	Name string
	// Type selects the lifecycle handler for the item.
	Type string
	// ID is the entity id handed to the handler.
	ID int64
	// Label is a human readable description.
	Label string
	// DependsOn lists the items this item depends on, in declaration order.
	DependsOn []*Item
}

// String returns the item name.
func (i *Item) String() string {
	return i.Name
}

// DisplayName returns the label, falling back to the name.
func (i *Item) DisplayName() string {
	if i.Label != "" {
		return i.Label
	}
	return i.Name
}

// Topology is a deployed instance made of interdependent items.
type Topology struct {
	// ID is the external identifier of the topology.
	ID string
	// EntityID identifies the deployed instance in the entity store.
	EntityID int64
	// Type is the entity type of the deployed instance itself.
	Type string
	// Label is a human readable description.
	Label string
	// Items holds every item in declaration order.
	Items []*Item
}

// Item returns the item with the given name, or nil.
func (t *Topology) Item(name string) *Item {
	for _, item := range t.Items {
		if item.Name == name {
			return item
		}
	}
	return nil
}

// Roots returns the items the dependency walk starts from. Every item is a
// root; the walk is memoized so shared dependencies are visited once.
func (t *Topology) Roots() []*Item {
	roots := make([]*Item, len(t.Items))
	copy(roots, t.Items)
	return roots
}

// DisplayName returns the label, falling back to the id.
func (t *Topology) DisplayName() string {
	if t.Label != "" {
		return t.Label
	}
	return t.ID
}
