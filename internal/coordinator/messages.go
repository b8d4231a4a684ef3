package coordinator

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Inbound request kinds.
const (
	KindListProjects            = "ListProjects"
	KindCreateProject           = "CreateProject"
	KindLoadProject             = "LoadProject"
	KindDeleteProject           = "DeleteProject"
	KindJoinProject             = "JoinProject"
	KindCreateSegment           = "CreateSegment"
	KindModifySegmentSentence   = "ModifySegmentSentence"
	KindModifySegmentComboIndex = "ModifySegmentComboIndex"
	KindRemoveSegment           = "RemoveSegment"
	KindExport                  = "Export"
)

// Request is a decoded client message. Only the fields of its Kind are set.
type Request struct {
	Kind        string
	ProjectName string
	Seed        string
	URLs        []string
	Sentence    string
	Position    int
	ComboIndex  uint
	Project     *Project
}

type requestFields struct {
	ProjectName     string   `json:"project_name"`
	Seed            string   `json:"seed"`
	URLs            []string `json:"urls"`
	SegmentSentence *string  `json:"segment_sentence"`
	Position        *int     `json:"position"`
	SegmentPosition *int     `json:"segment_position"`
	NewSentence     *string  `json:"new_sentence"`
	NewComboIndex   *uint    `json:"new_combo_index"`
	Project         *Project `json:"project"`
}

// DecodeRequest parses an externally tagged request: either the bare string
// "ListProjects" or a one-key object {"<Kind>": {fields}}.
func DecodeRequest(data []byte) (Request, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var kind string
		if err := json.Unmarshal(data, &kind); err != nil {
			return Request{}, fmt.Errorf("%w: %v", ErrBadRequest, err)
		}
		if kind != KindListProjects {
			return Request{}, fmt.Errorf("%w: unknown request %q", ErrBadRequest, kind)
		}
		return Request{Kind: kind}, nil
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(data, &envelope); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	if len(envelope) != 1 {
		return Request{}, fmt.Errorf("%w: expected exactly one request, got %d", ErrBadRequest, len(envelope))
	}

	var kind string
	var raw json.RawMessage
	for k, v := range envelope {
		kind, raw = k, v
	}
	var f requestFields
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &f); err != nil {
			return Request{}, fmt.Errorf("%w: %s: %v", ErrBadRequest, kind, err)
		}
	}

	req := Request{Kind: kind, ProjectName: f.ProjectName}
	missing := func(field string) (Request, error) {
		return Request{}, fmt.Errorf("%w: %s requires %s", ErrBadRequest, kind, field)
	}

	switch kind {
	case KindListProjects:
	case KindLoadProject:
		if f.Project == nil {
			return missing("project")
		}
		req.Project = f.Project
		req.ProjectName = f.Project.Name
	case KindCreateProject:
		req.Seed = f.Seed
		req.URLs = f.URLs
	case KindDeleteProject, KindJoinProject, KindExport:
	case KindCreateSegment:
		if f.Position == nil {
			return missing("position")
		}
		req.Position = *f.Position
		if f.SegmentSentence != nil {
			req.Sentence = *f.SegmentSentence
		}
	case KindModifySegmentSentence:
		if f.SegmentPosition == nil {
			return missing("segment_position")
		}
		if f.NewSentence == nil {
			return missing("new_sentence")
		}
		req.Position = *f.SegmentPosition
		req.Sentence = *f.NewSentence
	case KindModifySegmentComboIndex:
		if f.SegmentPosition == nil {
			return missing("segment_position")
		}
		if f.NewComboIndex == nil {
			return missing("new_combo_index")
		}
		req.Position = *f.SegmentPosition
		req.ComboIndex = *f.NewComboIndex
	case KindRemoveSegment:
		if f.SegmentPosition == nil {
			return missing("segment_position")
		}
		req.Position = *f.SegmentPosition
	default:
		return Request{}, fmt.Errorf("%w: unknown request %q", ErrBadRequest, kind)
	}
	return req, nil
}

// Outbound message kinds.
const (
	MsgOk                   = "Ok"
	MsgErr                  = "Err"
	MsgJoinedUsers          = "JOINED_USERS"
	MsgUserJoinedProject    = "USER_JOINED_PROJECT"
	MsgUserLeftProject      = "USER_LEFT_PROJECT"
	MsgPreview              = "PREVIEW"
	MsgPreviews             = "PREVIEWS"
	MsgChangeProject        = "CHANGE_PROJECT"
	MsgNewProject           = "NEW_PROJECT"
	MsgRemoveProject        = "REMOVE_PROJECT"
	MsgNewSegment           = "NEW_SEGMENT"
	MsgRemoveSegment        = "REMOVE_SEGMENT"
	MsgChangeComboIndex     = "CHANGE_COMBO_INDEX"
	MsgChangeSentence       = "CHANGE_SENTENCE"
	MsgChangeListProjects   = "CHANGE_LIST_PROJECTS"
	MsgRenderResult         = "RENDER_RESULT"
	MsgAmbiguityToken       = "AMBIGUITY_TOKEN"
	MsgUpdateDownloadStatus = "UPDATE_DOWNLOAD_STATUS"
	MsgPreviewFailed        = "PREVIEW_FAILED"
	MsgExportFailed         = "EXPORT_FAILED"
)

// Message is an outbound event, encoded as {"<Kind>": Body}.
type Message struct {
	Kind string
	Body any
}

// MarshalJSON implements json.Marshaler.
func (m Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{m.Kind: m.Body})
}

// Message bodies.
type (
	UsersBody struct {
		Users []ClientID `json:"users"`
	}
	UserBody struct {
		User ClientID `json:"user"`
	}
	// PreviewItem flattens the segment next to its encoded artifact.
	PreviewItem struct {
		Segment
		Data string `json:"data"`
	}
	PreviewsBody struct {
		Previews []PreviewItem `json:"previews"`
	}
	ProjectBody struct {
		Project Project `json:"project"`
	}
	NameBody struct {
		Name string `json:"name"`
	}
	NewSegmentBody struct {
		Segment Segment `json:"segment"`
		Row     int     `json:"row"`
	}
	RowBody struct {
		Row int `json:"row"`
	}
	ComboIndexBody struct {
		Row        int  `json:"row"`
		ComboIndex uint `json:"comboIndex"`
	}
	SentenceBody struct {
		Row      int    `json:"row"`
		Sentence string `json:"sentence"`
	}
	ProjectsBody struct {
		Projects []Project `json:"projects"`
	}
	RenderResultBody struct {
		Hash string `json:"hash"`
		Data string `json:"data"`
	}
	AmbiguityBody struct {
		Row   int    `json:"row"`
		Token string `json:"token"`
	}
	DownloadStatusBody struct {
		ProjectID string `json:"projectId"`
		Status    string `json:"status"`
	}
	PreviewFailedBody struct {
		Row    int    `json:"row"`
		Stage  string `json:"stage"`
		Reason string `json:"reason"`
	}
	ExportFailedBody struct {
		Stage  string `json:"stage"`
		Reason string `json:"reason"`
	}
)

// Download statuses carried by UPDATE_DOWNLOAD_STATUS.
const (
	DownloadReady  = "ready"
	DownloadFailed = "failed"
)

// Pipeline stages reported in failure notices.
const (
	StageDownload = "download"
	StageAnalysis = "analysis"
	StageCombo    = "combo"
	StageRender   = "render"
	StageRead     = "read"
)

// Ok is the reply to a successful request.
func Ok() Message { return Message{Kind: MsgOk} }

// Err is the reply to a failed request.
func Err(err error) Message { return Message{Kind: MsgErr, Body: Code(err)} }

func joinedUsers(users []ClientID) Message {
	if users == nil {
		users = []ClientID{}
	}
	return Message{Kind: MsgJoinedUsers, Body: UsersBody{Users: users}}
}

func userJoined(id ClientID) Message {
	return Message{Kind: MsgUserJoinedProject, Body: UserBody{User: id}}
}

func userLeft(id ClientID) Message {
	return Message{Kind: MsgUserLeftProject, Body: UserBody{User: id}}
}

func preview(seg Segment, data string) Message {
	return Message{Kind: MsgPreview, Body: PreviewItem{Segment: seg, Data: data}}
}

func previews(items []PreviewItem) Message {
	if items == nil {
		items = []PreviewItem{}
	}
	return Message{Kind: MsgPreviews, Body: PreviewsBody{Previews: items}}
}

func changeProject(p Project) Message {
	if p.Segments == nil {
		p.Segments = []Segment{}
	}
	return Message{Kind: MsgChangeProject, Body: struct {
		Seed      string    `json:"seed"`
		VideoRefs []string  `json:"videoRefs"`
		Name      string    `json:"name"`
		Segments  []Segment `json:"segments"`
	}{p.Seed, p.VideoRefs, p.Name, p.Segments}}
}

func newProject(p Project) Message {
	return Message{Kind: MsgNewProject, Body: ProjectBody{Project: p}}
}

func removeProject(name string) Message {
	return Message{Kind: MsgRemoveProject, Body: NameBody{Name: name}}
}

func newSegment(seg Segment, row int) Message {
	return Message{Kind: MsgNewSegment, Body: NewSegmentBody{Segment: seg, Row: row}}
}

func removeSegment(row int) Message {
	return Message{Kind: MsgRemoveSegment, Body: RowBody{Row: row}}
}

func changeComboIndex(row int, index uint) Message {
	return Message{Kind: MsgChangeComboIndex, Body: ComboIndexBody{Row: row, ComboIndex: index}}
}

func changeSentence(row int, sentence string) Message {
	return Message{Kind: MsgChangeSentence, Body: SentenceBody{Row: row, Sentence: sentence}}
}

func changeListProjects(projects []Project) Message {
	return Message{Kind: MsgChangeListProjects, Body: ProjectsBody{Projects: projects}}
}

func renderResult(hash, data string) Message {
	return Message{Kind: MsgRenderResult, Body: RenderResultBody{Hash: hash, Data: data}}
}

func ambiguityToken(row int, token string) Message {
	return Message{Kind: MsgAmbiguityToken, Body: AmbiguityBody{Row: row, Token: token}}
}

func downloadStatus(project, status string) Message {
	return Message{Kind: MsgUpdateDownloadStatus, Body: DownloadStatusBody{ProjectID: project, Status: status}}
}

func previewFailed(row int, stage string, err error) Message {
	return Message{Kind: MsgPreviewFailed, Body: PreviewFailedBody{Row: row, Stage: stage, Reason: err.Error()}}
}

func exportFailed(stage string, err error) Message {
	return Message{Kind: MsgExportFailed, Body: ExportFailedBody{Stage: stage, Reason: err.Error()}}
}
