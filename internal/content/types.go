// Package content holds the lesson play content: frames, their objects and
// dialogues, and the quizzes embedded in quiz frames.
package content

import "time"

// FrameType is the presentation kind of a frame.
type FrameType string

const (
	FrameBackground FrameType = "background" // background only
	FrameScene      FrameType = "scene"      // background with objects and dialogue
	FrameQuiz       FrameType = "quiz"       // carries exactly one quiz
)

// Valid reports whether t is a known frame type.
func (t FrameType) Valid() bool {
	switch t {
	case FrameBackground, FrameScene, FrameQuiz:
		return true
	}
	return false
}

// Lesson owns an ordered chain of frames. Curriculum data lives elsewhere;
// only what play needs is kept here.
type Lesson struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

// Background is a reusable backdrop referenced by frames.
type Background struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Image       string `json:"image,omitempty"`
	Description string `json:"description,omitempty"`
}

// Frame is one step of a lesson. PreviousFrameID links it into the lesson chain;
// an empty value marks a chain head.
type Frame struct {
	ID              string    `json:"id"`
	LessonID        string    `json:"lesson_id"`
	Name            string    `json:"name"`
	Type            FrameType `json:"frame_type"`
	BackgroundID    string    `json:"background_id,omitempty"`
	PreviousFrameID string    `json:"previous_frame_id,omitempty"`
	Color           string    `json:"color,omitempty"`
	Width           int       `json:"width"`
	Height          int       `json:"height"`
}

// GameObject is something shown in a frame: a character, a tree, an apple.
type GameObject struct {
	ID       string `json:"id"`
	FrameID  string `json:"frame_id"`
	Name     string `json:"name"`
	Image    string `json:"image,omitempty"`
	Position int    `json:"position"`
}

// Dialogue is a line spoken by a GameObject in a frame.
type Dialogue struct {
	ID           string `json:"id"`
	FrameID      string `json:"frame_id"`
	GameObjectID string `json:"game_object_id"`
	Text         string `json:"text"`
	Position     int    `json:"position"`
}

// Quiz belongs to exactly one quiz frame.
type Quiz struct {
	ID       string       `json:"id"`
	FrameID  string       `json:"frame_id"`
	Question string       `json:"question"`
	Options  []QuizOption `json:"options"`
}

// QuizOption is one answer choice.
type QuizOption struct {
	ID          string `json:"id"`
	QuizID      string `json:"quiz_id"`
	Text        string `json:"text"`
	IsCorrect   bool   `json:"is_correct"`
	Explanation string `json:"explanation,omitempty"`
	Position    int    `json:"position"`
}

// Link sets FrameID's predecessor. An empty PreviousID detaches the frame.
type Link struct {
	FrameID    string
	PreviousID string
}

// ChainEdit is a set of pointer changes applied atomically and in order,
// optionally followed by deleting one frame.
type ChainEdit struct {
	LessonID    string
	Links       []Link
	DeleteFrame string
}

const (
	defaultFrameWidth  = 100
	defaultFrameHeight = 100
)

func applyFrameDefaults(f *Frame) {
	if f.Width == 0 {
		f.Width = defaultFrameWidth
	}
	if f.Height == 0 {
		f.Height = defaultFrameHeight
	}
}
