package server

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	docdomain "github.com/smallbiznis/autocompta/internal/document/domain"
)

const maxUploadBytes = 25 << 20

func (s *Server) SubmitDocument(c *gin.Context) {
	actor, ok := mustActor(c)
	if !ok {
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadBytes)
	fh, err := c.FormFile("file")
	if err != nil {
		AbortWithError(c, newValidationError("file", "invalid_file", "a file is required"))
		return
	}
	f, err := fh.Open()
	if err != nil {
		AbortWithError(c, newValidationError("file", "invalid_file", "file cannot be read"))
		return
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		AbortWithError(c, newValidationError("file", "invalid_file", "file cannot be read"))
		return
	}

	req := docdomain.SubmitRequest{
		Filename:         fh.Filename,
		MimeType:         fh.Header.Get("Content-Type"),
		Content:          content,
		Source:           docdomain.Source(strings.ToLower(strings.TrimSpace(c.PostForm("source")))),
		InvoiceNumber:    strings.TrimSpace(c.PostForm("invoice_number")),
		CounterpartyName: strings.TrimSpace(c.PostForm("counterparty_name")),
		Notes:            strings.TrimSpace(c.PostForm("notes")),
		Tags:             splitTags(c.PostForm("tags")),
	}
	if req.Source == "" {
		req.Source = docdomain.SourceUpload
	}
	if raw := strings.TrimSpace(c.PostForm("document_type")); raw != "" {
		typ, ok := docdomain.ParseDocumentType(raw)
		if !ok {
			AbortWithError(c, docdomain.ErrInvalidDocumentType)
			return
		}
		req.DocumentType = typ
	}
	if raw := parseOptionalDecimalString(c.PostForm("total_amount")); raw != "" {
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			AbortWithError(c, newValidationError("total_amount", "invalid_total_amount", "invalid total_amount"))
			return
		}
		req.TotalAmount = &amount
	}
	documentDate, err := parseOptionalTime(c.PostForm("document_date"), false)
	if err != nil {
		AbortWithError(c, newValidationError("document_date", "invalid_document_date", "invalid document_date"))
		return
	}
	req.DocumentDate = documentDate
	linked, err := parseOptionalSnowflakeID(c.PostForm("linked_document_id"))
	if err != nil {
		AbortWithError(c, docdomain.ErrInvalidLinkedDocument)
		return
	}
	req.LinkedDocumentID = linked

	doc, err := s.documentSvc.Submit(c.Request.Context(), actor, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.Set("document_id", doc.ID.String())

	c.JSON(http.StatusAccepted, gin.H{"data": doc})
}

func (s *Server) ListDocuments(c *gin.Context) {
	actor, ok := mustActor(c)
	if !ok {
		return
	}
	var query docdomain.ListRequest
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.documentSvc.List(c.Request.Context(), actor, query)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetDocument(c *gin.Context) {
	actor, ok := mustActor(c)
	if !ok {
		return
	}
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	c.Set("document_id", id.String())

	resp, err := s.documentSvc.Get(c.Request.Context(), actor, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetDocumentHistory(c *gin.Context) {
	actor, ok := mustActor(c)
	if !ok {
		return
	}
	id, ok := idParam(c, "id")
	if !ok {
		return
	}

	history, err := s.documentSvc.History(c.Request.Context(), actor, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": history})
}

func (s *Server) ResubmitDocument(c *gin.Context) {
	actor, ok := mustActor(c)
	if !ok {
		return
	}
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	c.Set("document_id", id.String())

	doc, err := s.documentSvc.Resubmit(c.Request.Context(), actor, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"data": doc})
}

func (s *Server) ReprocessDocument(c *gin.Context) {
	actor, ok := mustActor(c)
	if !ok {
		return
	}
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	c.Set("document_id", id.String())

	doc, err := s.reprocessor.Reprocess(c.Request.Context(), actor, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"data": doc})
}

func splitTags(raw string) []string {
	var tags []string
	for _, tag := range strings.Split(raw, ",") {
		if tag = strings.TrimSpace(tag); tag != "" {
			tags = append(tags, tag)
		}
	}
	return tags
}
