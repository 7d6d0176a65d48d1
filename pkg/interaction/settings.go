package interaction

import (
	"fmt"
	"strconv"

	"llm-interaction-manager/internal/config"
	"llm-interaction-manager/internal/logging"
	"llm-interaction-manager/pkg/errs"
)

// Keys of the general settings section. ReadSetting and WriteSetting
// accept exactly these names.
const (
	SettingUseRAGData              = "use_rag_data"
	SettingOnTheFlyData            = "on_the_fly_data"
	SettingDefaultRAGData          = "default_rag_data"
	SettingDefaultSystemPrompt     = "default_system_prompt"
	SettingWaitForManualData       = "wait_for_manual_data"
	SettingDefaultExportPath       = "default_export_path"
	SettingSendConversationHistory = "send_conversation_history"
)

// Unset marks string settings without a value. The sentinel keeps an
// explicitly empty value distinguishable from a missing one.
const Unset = "-1"

// Settings is the runtime behavior of one manager. The on-the-fly
// payload is session-scoped and never persisted.
type Settings struct {
	UseRAGData              RAGMode
	OnTheFlyData            any
	DefaultRAGData          any
	DefaultSystemPrompt     string
	WaitForManualData       bool
	DefaultExportPath       string
	SendConversationHistory bool
}

func defaultSettings() Settings {
	return Settings{
		UseRAGData:          RAGModeNone,
		DefaultSystemPrompt: Unset,
		DefaultExportPath:   Unset,
	}
}

// loadSettings merges the persisted general section over the defaults.
// An unknown mode name degrades to NONE with a warning instead of
// failing the load.
func loadSettings(store *config.Store, log logging.Logger) Settings {
	s := defaultSettings()
	section := store.Section(config.SectionGeneral)
	if raw, ok := section[SettingUseRAGData]; ok {
		mode, known := ParseRAGMode(asString(raw))
		if !known {
			log.Warn("settings", "unknown rag mode in config, falling back to NONE", map[string]interface{}{
				"value": raw,
			})
		}
		s.UseRAGData = mode
	}
	if raw, ok := section[SettingOnTheFlyData]; ok {
		s.OnTheFlyData = raw
	}
	if raw, ok := section[SettingDefaultRAGData]; ok {
		s.DefaultRAGData = raw
	}
	if raw, ok := section[SettingDefaultSystemPrompt]; ok {
		s.DefaultSystemPrompt = asString(raw)
	}
	if raw, ok := section[SettingWaitForManualData]; ok {
		s.WaitForManualData = asBool(raw)
	}
	if raw, ok := section[SettingDefaultExportPath]; ok {
		s.DefaultExportPath = asString(raw)
	}
	if raw, ok := section[SettingSendConversationHistory]; ok {
		s.SendConversationHistory = asBool(raw)
	}
	return s
}

// value returns the current value of a named setting.
func (s *Settings) value(key string) (any, error) {
	switch key {
	case SettingUseRAGData:
		return s.UseRAGData, nil
	case SettingOnTheFlyData:
		return s.OnTheFlyData, nil
	case SettingDefaultRAGData:
		return s.DefaultRAGData, nil
	case SettingDefaultSystemPrompt:
		return s.DefaultSystemPrompt, nil
	case SettingWaitForManualData:
		return s.WaitForManualData, nil
	case SettingDefaultExportPath:
		return s.DefaultExportPath, nil
	case SettingSendConversationHistory:
		return s.SendConversationHistory, nil
	}
	return nil, errs.NotFound("setting %q does not exist", key)
}

// apply validates and assigns a setting value. It returns the value to
// write to the config file; persist is false for session-scoped
// settings.
func (s *Settings) apply(key string, value any) (persisted any, persist bool, err error) {
	switch key {
	case SettingUseRAGData:
		mode, err := coerceMode(value)
		if err != nil {
			return nil, false, err
		}
		s.UseRAGData = mode
		return string(mode), true, nil
	case SettingOnTheFlyData:
		s.OnTheFlyData = value
		return nil, false, nil
	case SettingDefaultRAGData:
		s.DefaultRAGData = value
		return value, true, nil
	case SettingDefaultSystemPrompt:
		str, ok := value.(string)
		if !ok {
			return nil, false, errs.Validation("setting %q expects a string, got %T", key, value)
		}
		s.DefaultSystemPrompt = str
		return str, true, nil
	case SettingWaitForManualData:
		b, err := coerceBool(key, value)
		if err != nil {
			return nil, false, err
		}
		s.WaitForManualData = b
		return b, true, nil
	case SettingDefaultExportPath:
		str, ok := value.(string)
		if !ok {
			return nil, false, errs.Validation("setting %q expects a string, got %T", key, value)
		}
		s.DefaultExportPath = str
		return str, true, nil
	case SettingSendConversationHistory:
		b, err := coerceBool(key, value)
		if err != nil {
			return nil, false, err
		}
		s.SendConversationHistory = b
		return b, true, nil
	}
	return nil, false, errs.NotFound("setting %q does not exist", key)
}

func coerceMode(value any) (RAGMode, error) {
	switch t := value.(type) {
	case RAGMode:
		if !t.valid() {
			return RAGModeNone, errs.Validation("unknown RAG mode %q", string(t))
		}
		return t, nil
	case string:
		mode, ok := ParseRAGMode(t)
		if !ok {
			return RAGModeNone, errs.Validation("unknown RAG mode %q", t)
		}
		return mode, nil
	}
	return RAGModeNone, errs.Validation("setting %q expects a mode name, got %T", SettingUseRAGData, value)
}

func coerceBool(key string, value any) (bool, error) {
	switch t := value.(type) {
	case bool:
		return t, nil
	case string:
		b, err := strconv.ParseBool(t)
		if err != nil {
			return false, errs.Validation("setting %q expects a boolean, got %q", key, t)
		}
		return b, nil
	}
	return false, errs.Validation("setting %q expects a boolean, got %T", key, value)
}

func asString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	}
	return fmt.Sprint(v)
}

func asBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, err := strconv.ParseBool(t)
		return err == nil && b
	}
	return false
}
