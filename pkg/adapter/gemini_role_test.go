package adapter

import (
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/plume/pkg/model"
	"google.golang.org/genai"
)

func TestGeminiRole(t *testing.T) {
	gt.Equal(t, geminiRole(model.RoleUser), genai.Role(genai.RoleUser))
	gt.Equal(t, geminiRole(model.RoleAssistant), genai.Role(genai.RoleModel))
	gt.Equal(t, geminiRole(model.RoleSystem), genai.Role(genai.RoleUser))
}
