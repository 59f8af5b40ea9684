package quality

// ConstraintProfile is the media parameter recommendation for one quality
// category.
type ConstraintProfile struct {
	Width     int `json:"width"`
	Height    int `json:"height"`
	FrameRate int `json:"frame_rate"`
}

var profiles = map[Category]ConstraintProfile{
	Excellent: {Width: 1280, Height: 720, FrameRate: 30},
	Good:      {Width: 960, Height: 540, FrameRate: 25},
	Fair:      {Width: 640, Height: 480, FrameRate: 20},
	Poor:      {Width: 320, Height: 240, FrameRate: 15},
	// Conservative default when the link cannot be measured.
	Unknown: {Width: 640, Height: 480, FrameRate: 20},
}

func Constraints(c Category) ConstraintProfile {
	if p, ok := profiles[c]; ok {
		return p
	}
	return profiles[Unknown]
}
