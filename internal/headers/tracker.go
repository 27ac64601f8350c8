package headers

// Occurrence is one concrete instance of a ruled header within a message
type Occurrence struct {
	Name     string // as received
	Value    string // as received
	Ordinal  int    // 1-based among same-named headers
	Position int    // 1-based among all headers
}

// Tracker records the occurrences of one rule's header within one message
type Tracker struct {
	rule        Rule
	occurrences []Occurrence
	seen        int
}

// NewTracker creates an empty tracker for rule
func NewTracker(rule Rule) *Tracker {
	return &Tracker{rule: rule}
}

// Record counts an instance of the header and keeps it if the pattern matches
func (t *Tracker) Record(name, value string, position int) bool {
	t.seen++
	if !t.rule.Check(value) {
		return false
	}

	t.occurrences = append(t.occurrences, Occurrence{
		Name:     name,
		Value:    value,
		Ordinal:  t.seen,
		Position: position,
	})
	return true
}

// Rule returns the tracked rule
func (t *Tracker) Rule() Rule {
	return t.rule
}

// Occurrences returns matching occurrences in arrival order
func (t *Tracker) Occurrences() []Occurrence {
	return t.occurrences
}

// Seen returns how many instances of the header were observed, matching or not
func (t *Tracker) Seen() int {
	return t.seen
}

// NewTrackers creates one fresh tracker per rule
func NewTrackers(rules RuleSet) map[string]*Tracker {
	trackers := make(map[string]*Tracker, len(rules))
	for name, rule := range rules {
		trackers[name] = NewTracker(rule)
	}
	return trackers
}
