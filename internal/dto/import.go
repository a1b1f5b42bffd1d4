package dto

// ImportUploadForm is the multipart form of POST /imports. The roster itself
// travels in the "file" part.
type ImportUploadForm struct {
	Format         string `form:"format" validate:"omitempty,oneof=csv verwaltung excel"`
	ResumeImportID *int64 `form:"resume_import_id" validate:"omitempty,min=1"`
}

// ChangeSetQuery holds the optional endpoints of GET /changesets.
type ChangeSetQuery struct {
	Old *int64 `form:"old" validate:"omitempty,min=0"`
	New *int64 `form:"new" validate:"omitempty,min=1"`
}

// StudentSearchQuery holds GET /students parameters.
type StudentSearchQuery struct {
	Q        string `form:"q" validate:"max=100"`
	Page     int    `form:"page" validate:"omitempty,min=1"`
	PageSize int    `form:"page_size" validate:"omitempty,min=1,max=200"`
}

// PurgeRequest captures POST /maintenance/purge. Without a cutoff the
// configured retention period applies.
type PurgeRequest struct {
	Cutoff string `json:"cutoff,omitempty" validate:"omitempty,datetime=2006-01-02"`
}
