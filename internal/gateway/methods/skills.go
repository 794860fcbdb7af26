package methods

import (
	"context"
	"encoding/json"

	"github.com/nextlevelbuilder/goclaw/internal/gateway"
	"github.com/nextlevelbuilder/goclaw/internal/skills"
	"github.com/nextlevelbuilder/goclaw/pkg/protocol"
)

// SkillsMethods handles skills.list, skills.get, skills.update (reload).
type SkillsMethods struct {
	loader *skills.Loader
}

func NewSkillsMethods(loader *skills.Loader) *SkillsMethods {
	return &SkillsMethods{loader: loader}
}

func (m *SkillsMethods) Register(router *gateway.MethodRouter) {
	router.Register(protocol.MethodSkillsList, m.handleList)
	router.Register(protocol.MethodSkillsGet, m.handleGet)
	router.Register(protocol.MethodSkillsUpdate, m.handleUpdate)
}

func (m *SkillsMethods) handleList(_ context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{
		"skills": m.loader.ListSkills(),
	}))
}

func (m *SkillsMethods) handleGet(_ context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "name is required"))
		return
	}

	skill, ok := m.loader.Get(params.Name)
	if !ok {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, "skill not found: "+params.Name))
		return
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, skill))
}

// handleUpdate forces a reload from disk; skills are file-backed so
// there is no in-place edit surface here beyond editing the file.
func (m *SkillsMethods) handleUpdate(_ context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	m.loader.Reload()
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{
		"ok":     true,
		"skills": m.loader.ListSkills(),
	}))
}
