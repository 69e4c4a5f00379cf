package attendance

import (
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"PRESENCE-backend/internal/platform/auth"
	"PRESENCE-backend/internal/selfie"
)

type Handler struct{ svc *Service }

func RegisterRoutes(r gin.IRoutes, svc *Service) {
	h := &Handler{svc: svc}

	// POST /attendance/check-in (JSON または multipart/form-data)
	r.POST("/attendance/check-in", h.CheckIn)
	// GET /attendance/logs (本人の履歴)
	r.GET("/attendance/logs", h.ListLogs)
}

// ---------- handlers ----------

func (h *Handler) CheckIn(c *gin.Context) {
	studentID := c.GetString(auth.CtxUserIDKey)
	if studentID == "" {
		c.JSON(http.StatusUnauthorized, errorBody(CodeInvalidArgument, "", "student not authenticated"))
		return
	}

	var (
		in  CheckInInput
		err error
	)
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		in, err = bindMultipart(c)
	} else {
		in, err = bindJSON(c)
	}
	// 読めなかった提出もサービスに渡して監査ログに残す
	in.BindErr = err
	in.StudentID = studentID
	in.UserAgent = c.GetHeader("User-Agent")
	in.ClientIP = c.ClientIP()

	res, err := h.svc.CheckIn(c.Request.Context(), in)
	if err != nil {
		c.JSON(toHTTPStatus(err), errorFromErr(err))
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (h *Handler) ListLogs(c *gin.Context) {
	q := ListQuery{
		StudentID: c.GetString(auth.CtxUserIDKey),
		Limit:     parseIntDefault(c.Query("limit"), DefaultPageLimit),
		Offset:    parseIntDefault(c.Query("offset"), 0),
	}
	if v := c.Query("session_id"); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorBody(CodeInvalidArgument, "", "invalid session_id"))
			return
		}
		q.SessionID = &id
	}
	if v := c.Query("status"); v != "" {
		q.Status = &v
	}
	if v := c.Query("from"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			q.From = &t
		}
	}
	if v := c.Query("to"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			q.To = &t
		}
	}

	items, total, err := h.svc.List(c.Request.Context(), q)
	if err != nil {
		c.JSON(toHTTPStatus(err), errorFromErr(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "total": total})
}

// ---------- binding ----------

func bindJSON(c *gin.Context) (CheckInInput, error) {
	var req CheckInRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return CheckInInput{}, reject(ReasonMalformed, "request body is not valid JSON", err)
	}
	in := CheckInInput{
		Token:        strings.TrimSpace(req.Token),
		Primary:      primarySample(req.Latitude, req.Longitude, req.LocationAccuracyM, req.LocationCapturedAt),
		SamplesJSON:  req.LocationSamples,
		MockLocation: lenientBool(req.MockLocation),
		Note:         req.Note,
	}
	if req.DeviceInfo != nil {
		in.DeviceInfo = *req.DeviceInfo
	}
	if req.SelfieBase64 != nil && *req.SelfieBase64 != "" {
		data, ext, err := decodeSelfie(*req.SelfieBase64)
		if err != nil {
			return in, err
		}
		in.Selfie, in.SelfieExt = data, ext
	}
	return in, nil
}

func bindMultipart(c *gin.Context) (CheckInInput, error) {
	in := CheckInInput{
		Token: strings.TrimSpace(c.PostForm("token")),
		Primary: primarySample(
			formValue(c, "latitude"),
			formValue(c, "longitude"),
			formValue(c, "location_accuracy_m"),
			formValue(c, "location_captured_at"),
		),
		DeviceInfo: c.PostForm("device_info"),
	}
	in.MockLocation = lenientBool(c.PostForm("mock_location"))
	if v, ok := c.GetPostForm("note"); ok {
		in.Note = &v
	}
	// multipart では location_samples は JSON 文字列で届く。デコードはサービス側。
	if raw := c.PostForm("location_samples"); raw != "" {
		in.SamplesJSON = []byte(raw)
	}

	fh, err := c.FormFile("selfie")
	if err != nil && !errors.Is(err, http.ErrMissingFile) {
		return in, reject(ReasonSelfieInvalid, "invalid selfie upload", err)
	}
	if fh != nil {
		if fh.Size > selfie.MaxBytes {
			return in, reject(ReasonSelfieInvalid, "selfie is too large", selfie.ErrTooLarge)
		}
		f, err := fh.Open()
		if err != nil {
			return in, reject(ReasonSelfieInvalid, "invalid selfie upload", err)
		}
		defer f.Close()
		data, err := io.ReadAll(io.LimitReader(f, selfie.MaxBytes+1))
		if err != nil {
			return in, reject(ReasonSelfieInvalid, "invalid selfie upload", err)
		}
		in.Selfie = data
		in.SelfieExt = strings.ToLower(filepath.Ext(fh.Filename))
	} else if v := c.PostForm("selfie_base64"); v != "" {
		data, ext, err := decodeSelfie(v)
		if err != nil {
			return in, err
		}
		in.Selfie, in.SelfieExt = data, ext
	}
	return in, nil
}

// primarySample は単発の位置情報を RawSample にまとめる。何もなければ nil。
func primarySample(lat, lng, acc, at any) RawSample {
	if lat == nil && lng == nil && acc == nil && at == nil {
		return nil
	}
	s := RawSample{}
	if lat != nil {
		s["latitude"] = lat
	}
	if lng != nil {
		s["longitude"] = lng
	}
	if acc != nil {
		s["accuracy_m"] = acc
	}
	if at != nil {
		s["captured_at"] = at
	}
	return s
}

func formValue(c *gin.Context, key string) any {
	v, ok := c.GetPostForm(key)
	if !ok || v == "" {
		return nil
	}
	return v
}

// decodeSelfie accepts plain base64 or a data URL (data:image/png;base64,...).
func decodeSelfie(v string) ([]byte, string, error) {
	ext := ".jpg"
	if strings.HasPrefix(v, "data:") {
		head, body, ok := strings.Cut(v, ",")
		if !ok {
			return nil, "", reject(ReasonSelfieInvalid, "invalid selfie data url", nil)
		}
		switch {
		case strings.Contains(head, "image/png"):
			ext = ".png"
		case strings.Contains(head, "image/webp"):
			ext = ".webp"
		}
		v = body
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(v))
	if err != nil {
		return nil, "", reject(ReasonSelfieInvalid, "selfie is not valid base64", err)
	}
	if len(data) > selfie.MaxBytes {
		return nil, "", reject(ReasonSelfieInvalid, "selfie is too large", selfie.ErrTooLarge)
	}
	return data, ext, nil
}

// ---------- helpers ----------

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

type errorDTO struct {
	Code    Code   `json:"code"`
	Reason  Reason `json:"reason,omitempty"`
	Message string `json:"message"`
}

func errorBody(code Code, reason Reason, msg string) errorDTO {
	return errorDTO{Code: code, Reason: reason, Message: msg}
}

func errorFromErr(err error) errorDTO {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return errorBody(CodeRejected, rej.Reason, rej.Message)
	}
	var api *APIError
	if errors.As(err, &api) {
		return errorBody(api.Code, "", api.Message)
	}
	return errorBody(CodeInternal, "", "internal error")
}
