package model

// Every supported vendor registers its dialect on import.
import (
	_ "modelhub/internal/providers/claude"
	_ "modelhub/internal/providers/coze"
	_ "modelhub/internal/providers/deepseek"
	_ "modelhub/internal/providers/dify"
	_ "modelhub/internal/providers/ollama"
	_ "modelhub/internal/providers/openai"
	_ "modelhub/internal/providers/tongyi"
	_ "modelhub/internal/providers/wenxin"
)
