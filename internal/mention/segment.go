package mention

// Kind identifies what a mention points at.
type Kind string

const (
	KindUser   Kind = "user"
	KindField  Kind = "field"
	KindModel  Kind = "model"
	KindAsset  Kind = "asset"
	KindRecord Kind = "record"
)

// SegmentType discriminates the two segment variants.
type SegmentType string

const (
	SegmentText    SegmentType = "text"
	SegmentMention SegmentType = "mention"
)

// Segment is one piece of a comment body: either literal text or a
// structured mention. The segment sequence is ordered and represents
// exactly the composed text.
type Segment struct {
	Type     SegmentType `json:"type"`
	Content  string      `json:"content,omitempty"`
	Kind     Kind        `json:"kind,omitempty"`
	TargetID string      `json:"target_id,omitempty"`
	Label    string      `json:"label,omitempty"`
}

// Text builds a literal text segment.
func Text(content string) Segment {
	return Segment{Type: SegmentText, Content: content}
}

// Of builds a mention segment.
func Of(kind Kind, targetID, label string) Segment {
	return Segment{Type: SegmentMention, Kind: kind, TargetID: targetID, Label: label}
}

// triggers is the closed trigger table. Not user-extensible.
var triggers = map[rune]Kind{
	'@': KindUser,
	'#': KindField,
	'$': KindModel,
	'^': KindAsset,
	'&': KindRecord,
}

// triggerFor returns the trigger character for a mention kind.
func triggerFor(kind Kind) (rune, bool) {
	for r, k := range triggers {
		if k == kind {
			return r, true
		}
	}
	return 0, false
}

// TriggerKind reports the mention kind a trigger character maps to.
func TriggerKind(r rune) (Kind, bool) {
	k, ok := triggers[r]
	return k, ok
}
