package models

const (
	DefaultInputDir       = "Docs"
	DefaultStoreName      = "Test APE"
	DefaultAssistantName  = "Acolad Assistant APE Test"
	DefaultAssistantModel = "gpt-4o-mini"
	DefaultStatePath      = ".assistant-sync/state.yaml"

	// TimestampSuffixRegex matches names produced by earlier exports, e.g. report_20240131_142501.pdf
	TimestampSuffixRegex = `^(.+?)_\d{8}_\d{6}(\.[^.]+)$`

	FileSearchTool = "file_search"
	FilePurpose    = "assistants"
)

var (
	DefaultExtensions = []string{".pdf"}

	SpreadsheetExtensions = []string{".xlsx", ".xlsm", ".xltx", ".xltm"}

	DefaultInstructions = `You are a helpful assistant that performs automated post-editing based on the provided files. Your primary goal is to enhance clarity, precision, and flow in the text while doing a post editing based on the provided files. If translation is requested, first perform the automated post-editing on the original text based on the provided files, then translate the edited text into the specified language (e.g., Text. (language)). Do not rely on prior knowledge or external information, focus solely on improving the provided content. Ensure the post-edited and translated version reflect these improvements.`
)
