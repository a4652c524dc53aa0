package darkroom

// Concept is one named transformation applied to a detected concept in an
// image, e.g. {"sky": {Action: "replace", Value: "sunset"}}. The set of
// valid actions and values belongs to the preset definitions, not the
// orchestration core — the core carries concepts opaquely from the execute
// request to the dispatch message and the journal.
type Concept struct {
	Action string `json:"action" msgpack:"action"`
	Value  string `json:"value" msgpack:"value"`
}
