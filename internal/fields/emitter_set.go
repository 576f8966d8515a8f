package fields

// EmitterSet is an insertion-ordered map of emitters keyed by id.
// Replacing an existing id keeps its position. The zero value is ready to use.
type EmitterSet struct {
	order []string
	items map[string]Emitter
}

// NewEmitterSet builds a set from rows in the given order. Later duplicates replace earlier ones in place.
func NewEmitterSet(rows []Emitter) *EmitterSet {
	set := &EmitterSet{
		order: make([]string, 0, len(rows)),
		items: make(map[string]Emitter, len(rows)),
	}
	for _, row := range rows {
		set.Set(row)
	}
	return set
}

func (s *EmitterSet) ensure() {
	if s.items == nil {
		s.items = make(map[string]Emitter)
	}
}

// Len reports the number of emitters.
func (s *EmitterSet) Len() int {
	return len(s.order)
}

// Has reports whether id is present.
func (s *EmitterSet) Has(id string) bool {
	_, ok := s.items[id]
	return ok
}

// Get returns the emitter stored under id.
func (s *EmitterSet) Get(id string) (Emitter, bool) {
	emitter, ok := s.items[id]
	return emitter, ok
}

// Index returns the position of id or -1.
func (s *EmitterSet) Index(id string) int {
	if !s.Has(id) {
		return -1
	}
	for index, candidate := range s.order {
		if candidate == id {
			return index
		}
	}
	return -1
}

// Set inserts or replaces the emitter under its id.
func (s *EmitterSet) Set(emitter Emitter) {
	s.ensure()
	if _, exists := s.items[emitter.ID]; !exists {
		s.order = append(s.order, emitter.ID)
	}
	s.items[emitter.ID] = emitter
}

// InsertAt places the emitter at index, clamping to the valid range.
// An existing entry under the same id is moved.
func (s *EmitterSet) InsertAt(index int, emitter Emitter) {
	s.ensure()
	if s.Has(emitter.ID) {
		s.Delete(emitter.ID)
	}
	if index < 0 {
		index = 0
	}
	if index > len(s.order) {
		index = len(s.order)
	}
	s.order = append(s.order, "")
	copy(s.order[index+1:], s.order[index:])
	s.order[index] = emitter.ID
	s.items[emitter.ID] = emitter
}

// Delete removes id and returns its former position and value.
func (s *EmitterSet) Delete(id string) (int, Emitter, bool) {
	emitter, ok := s.items[id]
	if !ok {
		return -1, Emitter{}, false
	}
	index := s.Index(id)
	s.order = append(s.order[:index], s.order[index+1:]...)
	delete(s.items, id)
	return index, emitter, true
}

// Rekey replaces the entry under oldID with emitter in the same position.
// When emitter.ID is already present elsewhere, that entry is dropped so the id appears once.
func (s *EmitterSet) Rekey(oldID string, emitter Emitter) bool {
	index := s.Index(oldID)
	if index < 0 {
		return false
	}
	if emitter.ID != oldID && s.Has(emitter.ID) {
		s.Delete(emitter.ID)
		index = s.Index(oldID)
	}
	delete(s.items, oldID)
	s.order[index] = emitter.ID
	s.items[emitter.ID] = emitter
	return true
}

// Values returns the emitters in insertion order.
func (s *EmitterSet) Values() []Emitter {
	values := make([]Emitter, 0, len(s.order))
	for _, id := range s.order {
		values = append(values, s.items[id])
	}
	return values
}

// IDs returns the keys in insertion order.
func (s *EmitterSet) IDs() []string {
	return append([]string(nil), s.order...)
}

// Clone returns an independent copy.
func (s *EmitterSet) Clone() *EmitterSet {
	clone := &EmitterSet{
		order: append([]string(nil), s.order...),
		items: make(map[string]Emitter, len(s.items)),
	}
	for id, emitter := range s.items {
		clone.items[id] = emitter
	}
	return clone
}
