package content

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"

	"github.com/p-n-ai/pai-play/internal/apperr"
)

// Pack is a lesson authored as YAML. Frames are listed in play order; the
// importer threads them into one chain.
type Pack struct {
	Lesson      PackLesson       `yaml:"lesson"`
	Backgrounds []PackBackground `yaml:"backgrounds"`
	Frames      []PackFrame      `yaml:"frames"`
}

type PackLesson struct {
	ID    string `yaml:"id"`
	Title string `yaml:"title"`
}

type PackBackground struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Image       string `yaml:"image"`
	Description string `yaml:"description"`
}

type PackFrame struct {
	ID         string         `yaml:"id"`
	Name       string         `yaml:"name"`
	Type       FrameType      `yaml:"type"`
	Background string         `yaml:"background"`
	Color      string         `yaml:"color"`
	Width      int            `yaml:"width"`
	Height     int            `yaml:"height"`
	Objects    []PackObject   `yaml:"objects"`
	Dialogues  []PackDialogue `yaml:"dialogues"`
	Quiz       *PackQuiz      `yaml:"quiz"`
}

// PackObject ids are local to their frame.
type PackObject struct {
	ID    string `yaml:"id"`
	Name  string `yaml:"name"`
	Image string `yaml:"image"`
}

type PackDialogue struct {
	Object string `yaml:"object"`
	Text   string `yaml:"text"`
}

type PackQuiz struct {
	ID       string       `yaml:"id"`
	Question string       `yaml:"question"`
	Options  []PackOption `yaml:"options"`
}

type PackOption struct {
	ID          string `yaml:"id"`
	Text        string `yaml:"text"`
	Correct     bool   `yaml:"correct"`
	Explanation string `yaml:"explanation"`
}

const packSchema = `{
  "type": "object",
  "required": ["lesson", "frames"],
  "properties": {
    "lesson": {
      "type": "object",
      "required": ["id"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "title": {"type": "string"}
      }
    },
    "backgrounds": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "name"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "name": {"type": "string", "minLength": 1},
          "image": {"type": "string"},
          "description": {"type": "string"}
        }
      }
    },
    "frames": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "type"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "name": {"type": "string"},
          "type": {"enum": ["background", "scene", "quiz"]},
          "background": {"type": "string"},
          "color": {"type": "string"},
          "width": {"type": "integer", "minimum": 1},
          "height": {"type": "integer", "minimum": 1},
          "objects": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["id", "name"],
              "properties": {
                "id": {"type": "string", "minLength": 1},
                "name": {"type": "string", "minLength": 1},
                "image": {"type": "string"}
              }
            }
          },
          "dialogues": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["object", "text"],
              "properties": {
                "object": {"type": "string", "minLength": 1},
                "text": {"type": "string", "minLength": 1}
              }
            }
          },
          "quiz": {
            "type": "object",
            "required": ["question", "options"],
            "properties": {
              "id": {"type": "string"},
              "question": {"type": "string", "minLength": 1},
              "options": {
                "type": "array",
                "minItems": 2,
                "items": {
                  "type": "object",
                  "required": ["text"],
                  "properties": {
                    "id": {"type": "string"},
                    "text": {"type": "string", "minLength": 1},
                    "correct": {"type": "boolean"},
                    "explanation": {"type": "string"}
                  }
                }
              }
            }
          }
        }
      }
    }
  }
}`

var packSchemaLoader = gojsonschema.NewStringLoader(packSchema)

// ParsePack decodes, schema-validates and normalizes a lesson pack.
func ParsePack(data []byte) (*Pack, error) {
	const op = "content.ParsePack"

	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, apperr.InvalidArgument(op, "invalid YAML: %v", err)
	}
	result, err := gojsonschema.Validate(packSchemaLoader, gojsonschema.NewGoLoader(doc))
	if err != nil {
		return nil, fmt.Errorf("validate pack schema: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, apperr.InvalidArgument(op, "schema: %s", strings.Join(msgs, "; "))
	}

	var p Pack
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, apperr.InvalidArgument(op, "decode pack: %v", err)
	}
	p.normalize()
	if err := p.validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// normalize puts authored text in NFC so visually equal strings compare equal.
func (p *Pack) normalize() {
	nfc := norm.NFC.String
	p.Lesson.Title = nfc(p.Lesson.Title)
	for i := range p.Backgrounds {
		b := &p.Backgrounds[i]
		b.Name = nfc(b.Name)
		b.Description = nfc(b.Description)
	}
	for i := range p.Frames {
		f := &p.Frames[i]
		f.Name = nfc(f.Name)
		for j := range f.Objects {
			f.Objects[j].Name = nfc(f.Objects[j].Name)
		}
		for j := range f.Dialogues {
			f.Dialogues[j].Text = nfc(f.Dialogues[j].Text)
		}
		if f.Quiz != nil {
			f.Quiz.Question = nfc(f.Quiz.Question)
			for j := range f.Quiz.Options {
				f.Quiz.Options[j].Text = nfc(f.Quiz.Options[j].Text)
				f.Quiz.Options[j].Explanation = nfc(f.Quiz.Options[j].Explanation)
			}
		}
	}
}

func (p *Pack) validate() error {
	const op = "content.ParsePack"

	frames := make(map[string]bool, len(p.Frames))
	options := make(map[string]bool)
	for _, f := range p.Frames {
		if frames[f.ID] {
			return apperr.InvalidArgument(op, "duplicate frame id %s", f.ID)
		}
		frames[f.ID] = true

		if (f.Type == FrameQuiz) != (f.Quiz != nil) {
			return apperr.InvalidArgument(op, "frame %s: quiz frames carry exactly one quiz, other frames none", f.ID)
		}

		objects := make(map[string]bool, len(f.Objects))
		for _, o := range f.Objects {
			if objects[o.ID] {
				return apperr.InvalidArgument(op, "frame %s: duplicate object id %s", f.ID, o.ID)
			}
			objects[o.ID] = true
		}
		for i, d := range f.Dialogues {
			if !objects[d.Object] {
				return apperr.InvalidArgument(op, "frame %s: dialogue %d references unknown object %s", f.ID, i, d.Object)
			}
		}

		if f.Quiz != nil {
			q := f.toQuiz()
			if err := CheckSingleCorrect(q); err != nil {
				return err
			}
			for _, o := range q.Options {
				if options[o.ID] {
					return apperr.InvalidArgument(op, "duplicate option id %s", o.ID)
				}
				options[o.ID] = true
			}
		}
	}
	return nil
}

func (f PackFrame) toFrame(lessonID string) Frame {
	return Frame{
		ID:           f.ID,
		LessonID:     lessonID,
		Name:         f.Name,
		Type:         f.Type,
		BackgroundID: f.Background,
		Color:        f.Color,
		Width:        f.Width,
		Height:       f.Height,
	}
}

func (f PackFrame) scene() ([]GameObject, []Dialogue) {
	objects := make([]GameObject, len(f.Objects))
	for i, o := range f.Objects {
		objects[i] = GameObject{ID: f.ID + "-" + o.ID, FrameID: f.ID, Name: o.Name, Image: o.Image, Position: i}
	}
	dialogues := make([]Dialogue, len(f.Dialogues))
	for i, d := range f.Dialogues {
		dialogues[i] = Dialogue{
			ID:           fmt.Sprintf("%s-dlg-%d", f.ID, i+1),
			FrameID:      f.ID,
			GameObjectID: f.ID + "-" + d.Object,
			Text:         d.Text,
			Position:     i,
		}
	}
	return objects, dialogues
}

func (f PackFrame) toQuiz() Quiz {
	id := f.Quiz.ID
	if id == "" {
		id = f.ID + "-quiz"
	}
	q := Quiz{ID: id, FrameID: f.ID, Question: f.Quiz.Question, Options: make([]QuizOption, len(f.Quiz.Options))}
	for i, o := range f.Quiz.Options {
		optID := o.ID
		if optID == "" {
			optID = fmt.Sprintf("%s-opt-%d", id, i+1)
		}
		q.Options[i] = QuizOption{
			ID:          optID,
			QuizID:      id,
			Text:        o.Text,
			IsCorrect:   o.Correct,
			Explanation: o.Explanation,
			Position:    i,
		}
	}
	return q
}

// Loader imports lesson packs into a Store.
type Loader struct {
	store Store
}

// NewLoader creates a loader writing to store.
func NewLoader(store Store) *Loader {
	return &Loader{store: store}
}

// LoadDir imports every .yaml/.yml pack under dir and returns the number of lessons imported.
func (l *Loader) LoadDir(ctx context.Context, dir string) (int, error) {
	n := 0
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !(strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml")) {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		lesson, err := l.Import(ctx, data)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		slog.Info("lesson pack imported", "path", path, "lesson_id", lesson.ID, "title", lesson.Title)
		n++
		return nil
	})
	if err != nil {
		return n, fmt.Errorf("loading lesson packs: %w", err)
	}
	return n, nil
}

// Import writes one pack. Re-importing a lesson updates it in place; frames the
// store holds for the lesson but the pack omits must be removed first. A frame
// re-imported with a non-quiz type loses its stored quiz.
func (l *Loader) Import(ctx context.Context, data []byte) (Lesson, error) {
	const op = "content.Import"

	p, err := ParsePack(data)
	if err != nil {
		return Lesson{}, err
	}
	lesson := Lesson{ID: p.Lesson.ID, Title: p.Lesson.Title}

	if err := l.store.PutLesson(ctx, lesson); err != nil {
		return Lesson{}, err
	}
	existing, err := l.store.ListFrames(ctx, lesson.ID)
	if err != nil {
		return Lesson{}, err
	}
	inPack := make(map[string]bool, len(p.Frames))
	for _, f := range p.Frames {
		inPack[f.ID] = true
	}
	for _, f := range existing {
		if !inPack[f.ID] {
			return Lesson{}, apperr.Conflict(op, "lesson %s has frame %s which the pack omits", lesson.ID, f.ID)
		}
	}

	for _, b := range p.Backgrounds {
		if err := l.store.PutBackground(ctx, Background(b)); err != nil {
			return Lesson{}, err
		}
	}
	for _, pf := range p.Frames {
		if err := l.store.PutFrame(ctx, pf.toFrame(lesson.ID)); err != nil {
			return Lesson{}, err
		}
		objects, dialogues := pf.scene()
		if err := l.store.ReplaceScene(ctx, pf.ID, objects, dialogues); err != nil {
			return Lesson{}, err
		}
		if pf.Quiz != nil {
			if err := l.store.PutQuiz(ctx, pf.toQuiz()); err != nil {
				return Lesson{}, err
			}
		}
	}

	// Detach everything, then thread the pack order.
	edit := ChainEdit{LessonID: lesson.ID}
	for _, f := range p.Frames {
		edit.Links = append(edit.Links, Link{FrameID: f.ID})
	}
	for i := 1; i < len(p.Frames); i++ {
		edit.Links = append(edit.Links, Link{FrameID: p.Frames[i].ID, PreviousID: p.Frames[i-1].ID})
	}
	if err := l.store.ApplyChainEdit(ctx, edit); err != nil {
		return Lesson{}, err
	}

	return l.store.GetLesson(ctx, lesson.ID)
}
