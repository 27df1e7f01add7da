package chat

import "strings"

// Request is one chat message sent to the streaming endpoint.
type Request struct {
	UserID    string
	ArchiveID string
	// ArchiveName selects the endpoint: model-selector archives use the
	// model endpoint, everything else the default one.
	ArchiveName string
	Message     string
	// Model is the user-facing model id, mapped with ServerModel.
	Model string
	// Module is the SAP module, sent lowercased.
	Module    string
	WebSearch bool
}

// Archive names that accept a model choice.
const (
	ArchiveCode    = "코딩어시스턴트"
	ArchiveSAP     = "SAP어시스턴트"
	ArchiveSAPAlt  = "SAP 어시스턴트"
	ArchiveChatbot = "AI Chatbot"
)

const defaultServerModel = "Gemini-Pro-3"

var serverModels = map[string]string{
	"gpt-5.2":           "Gpt-5.2",
	"gemini-pro-3":      "Gemini-Pro-3",
	"claude-sonnet-4.5": "Claude-Sonnet-4.5",
}

// ServerModel maps a user-facing model id to the name the server expects.
// Unknown ids fall back to the default model.
func ServerModel(model string) string {
	if m, ok := serverModels[model]; ok {
		return m
	}
	return defaultServerModel
}

// category returns the server category for the archive and whether the
// archive uses the model-selector endpoint.
func category(archiveName string) (string, bool) {
	switch archiveName {
	case ArchiveCode:
		return "code", true
	case ArchiveSAP, ArchiveSAPAlt:
		return "sap", true
	case ArchiveChatbot:
		return "", true
	}
	return "", false
}

func (r Request) fields() (path string, form map[string]string) {
	cat, withModel := category(r.ArchiveName)
	if r.Model != "" {
		withModel = true
	}
	form = map[string]string{
		"category":   cat,
		"module":     strings.ToLower(strings.TrimSpace(r.Module)),
		"archive_id": r.ArchiveID,
		"user_id":    r.UserID,
		"message":    r.Message,
	}
	if !withModel {
		form["module"] = ""
		return "/streamChat/timeout", form
	}
	form["model"] = ServerModel(r.Model)
	form["search_yn"] = "n"
	if r.WebSearch {
		form["search_yn"] = "y"
	}
	return "/streamChat/withModel", form
}
