package crdt

// Field names of node and edge records, as they appear on the wire.
const (
	FieldID           = "id"
	FieldType         = "type"
	FieldX            = "x"
	FieldY            = "y"
	FieldWidth        = "width"
	FieldHeight       = "height"
	FieldContent      = "content"
	FieldColor        = "color"
	FieldAnchorPoints = "anchorPoints"

	FieldSourceID     = "sourceId"
	FieldTargetID     = "targetId"
	FieldSourceAnchor = "sourceAnchor"
	FieldTargetAnchor = "targetAnchor"
)

// Shape and connector types used by the whiteboard.
const (
	ShapeRectangle = "rectangle"
	ShapeCircle    = "circle"

	EdgeStraight = "straight"
	EdgeCurved   = "curved"
)

// NodeRecord is a shape on the canvas.
type NodeRecord struct {
	ID           string   `json:"id"`
	Type         string   `json:"type"`
	X            float64  `json:"x"`
	Y            float64  `json:"y"`
	Width        float64  `json:"width"`
	Height       float64  `json:"height"`
	Content      string   `json:"content"`
	Color        string   `json:"color"`
	AnchorPoints []string `json:"anchorPoints,omitempty"`
}

// EdgeRecord is a connector between two nodes. SourceID and TargetID are weak
// references and may name nodes that no longer exist.
type EdgeRecord struct {
	ID           string `json:"id"`
	SourceID     string `json:"sourceId"`
	TargetID     string `json:"targetId"`
	Type         string `json:"type"`
	SourceAnchor string `json:"sourceAnchor,omitempty"`
	TargetAnchor string `json:"targetAnchor,omitempty"`
}

type fieldValue struct {
	name  string
	value any
}

func (n *NodeRecord) fields() []fieldValue {
	var anchors any
	if n.AnchorPoints != nil {
		anchors = append([]string(nil), n.AnchorPoints...)
	}
	return []fieldValue{
		{FieldID, n.ID},
		{FieldType, n.Type},
		{FieldX, n.X},
		{FieldY, n.Y},
		{FieldWidth, n.Width},
		{FieldHeight, n.Height},
		{FieldContent, n.Content},
		{FieldColor, n.Color},
		{FieldAnchorPoints, anchors},
	}
}

func (e *EdgeRecord) fields() []fieldValue {
	return []fieldValue{
		{FieldID, e.ID},
		{FieldSourceID, e.SourceID},
		{FieldTargetID, e.TargetID},
		{FieldType, e.Type},
		{FieldSourceAnchor, optString(e.SourceAnchor)},
		{FieldTargetAnchor, optString(e.TargetAnchor)},
	}
}

func optString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nodeFromFields(key string, f map[string]any) NodeRecord {
	n := NodeRecord{
		ID:      stringField(f, FieldID),
		Type:    stringField(f, FieldType),
		X:       numberField(f, FieldX),
		Y:       numberField(f, FieldY),
		Width:   numberField(f, FieldWidth),
		Height:  numberField(f, FieldHeight),
		Content: stringField(f, FieldContent),
		Color:   stringField(f, FieldColor),
	}
	if n.ID == "" {
		n.ID = key
	}
	if v, ok := f[FieldAnchorPoints].([]string); ok {
		n.AnchorPoints = append([]string(nil), v...)
	}
	return n
}

func edgeFromFields(key string, f map[string]any) EdgeRecord {
	e := EdgeRecord{
		ID:           stringField(f, FieldID),
		SourceID:     stringField(f, FieldSourceID),
		TargetID:     stringField(f, FieldTargetID),
		Type:         stringField(f, FieldType),
		SourceAnchor: stringField(f, FieldSourceAnchor),
		TargetAnchor: stringField(f, FieldTargetAnchor),
	}
	if e.ID == "" {
		e.ID = key
	}
	return e
}

func stringField(f map[string]any, name string) string {
	s, _ := f[name].(string)
	return s
}

func numberField(f map[string]any, name string) float64 {
	v, _ := f[name].(float64)
	return v
}
