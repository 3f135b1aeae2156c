// Package render turns work items into candidate notes. A [NoteRenderer] owns
// the note model name and field layout; the two built-in renderers produce
// the detailed study card and the compact link card.
package render

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/prisma-ai/ankisync/internal/model"
)

// Renderer names accepted in configuration.
const (
	NameDetailed = "detailed"
	NameLink     = "link"
)

// Default note model names for each renderer.
const (
	DefaultDetailedModel = "面试题2.0"
	DefaultLinkModel     = "面试题3.0"
	DefaultLinkBaseURL   = "https://pinkprisma.com/main/interview-question/detail/"
)

// Placeholders substituted for absent source data.
const (
	placeholderCategory = "其它"
	placeholderField    = "无"
	placeholderNote     = "暂无"
	placeholderTag      = "无标签"
	defaultVersion      = "v1.0.0"
	defaultChangeLog    = "v1.0.0 题目创建"

	scopeOwn      = "我的面经"
	scopePublic   = "公共面经"
	scopeLinkCard = "面经面试题"
)

// Field names. TitleField is the first field of both models and the key
// AnkiConnect uses for its duplicate check.
const (
	TitleField     = "标题"
	fieldNote      = "笔记"
	fieldContent   = "内容"
	fieldGist      = "要点"
	fieldMindmap   = "思维导图"
	fieldTag       = "标签"
	fieldHard      = "难度"
	fieldVersion   = "版本"
	fieldChangeLog = "更新日志"
)

// NoteRenderer maps a work item to the note written into the external store.
// Render must be a pure function of its input.
type NoteRenderer interface {
	Name() string
	Render(item *model.WorkItem) model.CandidateNote
}

// New returns the renderer registered under name. An empty modelName selects
// the renderer's default model.
func New(name, modelName, linkBaseURL string) (NoteRenderer, error) {
	switch name {
	case NameDetailed:
		if modelName == "" {
			modelName = DefaultDetailedModel
		}
		return &Detailed{ModelName: modelName}, nil
	case NameLink, "":
		if modelName == "" {
			modelName = DefaultLinkModel
		}
		if linkBaseURL == "" {
			linkBaseURL = DefaultLinkBaseURL
		}
		return &Link{ModelName: modelName, BaseURL: linkBaseURL}, nil
	default:
		return nil, fmt.Errorf("unknown renderer %q (want %q or %q)", name, NameDetailed, NameLink)
	}
}

// Detailed renders the full study card: answer, gist, mind map, user note and
// version history.
type Detailed struct {
	ModelName string
}

// Name implements [NoteRenderer].
func (d *Detailed) Name() string { return NameDetailed }

// Render implements [NoteRenderer].
func (d *Detailed) Render(item *model.WorkItem) model.CandidateNote {
	scope := scopePublic
	if item.Own {
		scope = scopeOwn
	}
	title := orDefault(item.Title, placeholderField)

	return model.CandidateNote{
		WorkItemID: item.ID,
		Title:      title,
		Grouping:   grouping(scope, item),
		ModelName:  d.ModelName,
		Fields: map[string]string{
			fieldNote:      ptrOrDefault(item.UserNote, placeholderNote),
			TitleField:     title,
			fieldContent:   orDefault(item.Content, placeholderField),
			fieldGist:      ptrOrDefault(item.Gist, placeholderField),
			fieldMindmap:   mindmap(item.ContentMindmap),
			fieldTag:       orDefault(item.ContentType, placeholderField),
			fieldHard:      orDefault(item.Hard, placeholderField),
			fieldVersion:   orDefault(item.Version, defaultVersion),
			fieldChangeLog: ptrOrDefault(item.ChangeLog, defaultChangeLog),
		},
		Labels: labels(item),
	}
}

// Link renders a compact card whose body links back to the question page.
type Link struct {
	ModelName string
	BaseURL   string
}

// Name implements [NoteRenderer].
func (l *Link) Name() string { return NameLink }

// Render implements [NoteRenderer].
func (l *Link) Render(item *model.WorkItem) model.CandidateNote {
	title := orDefault(item.Title, placeholderField)
	href := l.BaseURL + strconv.FormatInt(item.ID, 10)

	return model.CandidateNote{
		WorkItemID: item.ID,
		Title:      title,
		Grouping:   grouping(scopeLinkCard, item),
		ModelName:  l.ModelName,
		Fields: map[string]string{
			TitleField:   title,
			fieldContent: fmt.Sprintf("[%s](%s)", title, href),
		},
		Labels: labels(item),
	}
}

func grouping(scope string, item *model.WorkItem) model.GroupingPath {
	return model.GroupingPath{
		Scope:           scope,
		JobCategory:     ptrOrDefault(item.JobType, placeholderCategory),
		ContentCategory: orDefault(item.ContentType, placeholderCategory),
	}
}

func labels(item *model.WorkItem) []string {
	return []string{orDefault(item.ContentType, placeholderTag)}
}

// mindmap lifts list-item headings ("- ### x") back to plain headings so the
// card renders them as markdown headers.
func mindmap(s *string) string {
	if s == nil {
		return placeholderField
	}
	r := strings.NewReplacer("- ####", "####", "- ###", "###", "- ##", "##")
	return orDefault(r.Replace(*s), placeholderField)
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

func ptrOrDefault(s *string, def string) string {
	if s == nil {
		return def
	}
	return orDefault(*s, def)
}
