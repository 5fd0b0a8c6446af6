package constants

const (
	ProviderTypeOllama       = "ollama"
	ProviderTypeLMStudio     = "lm-studio"
	ProviderTypeOpenAI       = "openai"
	ProviderTypeOpenAICompat = "openai-compatible"
	ProviderTypeSGLang       = "sglang"
	ProviderTypeVLLM         = "vllm"
	ProviderTypeLlamaCpp     = "llamacpp"

	// Provider display names
	ProviderDisplayOllama   = "Ollama"
	ProviderDisplayLMStudio = "LM Studio"
	ProviderDisplayOpenAI   = "OpenAI"
	ProviderDisplaySGLang   = "SGLang"
	ProviderDisplayVLLM     = "vLLM"
	ProviderDisplayLlamaCpp = "llama.cpp"

	// Common provider prefixes
	ProviderPrefixLMStudio1 = "lmstudio"
	ProviderPrefixLMStudio2 = "lm-studio"
	ProviderPrefixLMStudio3 = "lm_studio"
	ProviderPrefixLlamaCpp1 = "llamacpp"
	ProviderPrefixLlamaCpp2 = "llama-cpp"
	ProviderPrefixLlamaCpp3 = "llama_cpp"
)
