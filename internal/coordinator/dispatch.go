package coordinator

import "log/slog"

// Dispatch applies req on behalf of client and returns the reply for the
// requester.
func (c *Coordinator) Dispatch(client ClientID, req Request) Message {
	c.metrics.IncClientRequest(req.Kind)

	var err error
	switch req.Kind {
	case KindListProjects:
		return changeListProjects(c.ListProjects())
	case KindCreateProject:
		err = c.CreateProject(client, req.ProjectName, req.Seed, req.URLs)
	case KindLoadProject:
		if req.Project == nil {
			err = ErrBadRequest
			break
		}
		err = c.LoadProject(*req.Project)
	case KindDeleteProject:
		err = c.DeleteProject(req.ProjectName)
	case KindJoinProject:
		err = c.JoinProject(client, req.ProjectName)
	case KindCreateSegment:
		err = c.CreateSegment(req.ProjectName, req.Position, req.Sentence)
	case KindModifySegmentSentence:
		err = c.ModifySegmentSentence(req.ProjectName, req.Position, req.Sentence)
	case KindModifySegmentComboIndex:
		err = c.ModifySegmentComboIndex(req.ProjectName, req.Position, req.ComboIndex)
	case KindRemoveSegment:
		err = c.RemoveSegment(req.ProjectName, req.Position)
	case KindExport:
		err = c.Export(req.ProjectName)
	default:
		err = ErrBadRequest
	}

	if err != nil {
		c.metrics.IncClientError(Code(err))
		c.log.Info("request rejected",
			slog.String("session", client),
			slog.String("kind", req.Kind),
			slog.String("project", req.ProjectName),
			slog.String("error", err.Error()))
		return Err(err)
	}
	return Ok()
}
