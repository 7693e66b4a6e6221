package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/kavos113/quickctf/ctf-server/domain"
	"github.com/kavos113/quickctf/ctf-server/usecase"
)

type InstanceService interface {
	Spawn(ctx context.Context, teamID, challengeID int64) (*usecase.InstanceView, error)
	Status(ctx context.Context, teamID, challengeID int64) (*usecase.InstanceView, error)
	Extend(ctx context.Context, teamID, challengeID int64) (*usecase.InstanceView, error)
	Terminate(ctx context.Context, teamID, challengeID int64) error
	IssueAccessToken(ctx context.Context, teamID, challengeID int64) (*domain.AccessToken, error)
	VerifyTCPHandshake(ctx context.Context, token, passphrase string) (*domain.TCPTarget, error)
	VerifyFlag(ctx context.Context, teamID, challengeID int64, flag string) (bool, error)
}

type InstanceHandler struct {
	instances InstanceService
	logger    *slog.Logger
}

func NewInstanceHandler(instances InstanceService, logger *slog.Logger) *InstanceHandler {
	return &InstanceHandler{
		instances: instances,
		logger:    logger,
	}
}

type instanceResponse struct {
	ChallengeID      int64                 `json:"challenge_id"`
	Status           domain.InstanceStatus `json:"status"`
	Connection       *string               `json:"connection"`
	Protocol         domain.Protocol       `json:"protocol,omitempty"`
	TCPHost          string                `json:"tcp_host,omitempty"`
	TCPPort          int32                 `json:"tcp_port,omitempty"`
	StartedAt        time.Time             `json:"started_at"`
	ExpiresAt        time.Time             `json:"expires_at"`
	RemainingSeconds int64                 `json:"remaining_seconds"`
	AlreadyRunning   bool                  `json:"already_running,omitempty"`
}

func newInstanceResponse(view *usecase.InstanceView) instanceResponse {
	i := view.Instance
	return instanceResponse{
		ChallengeID:      i.ChallengeID,
		Status:           i.Status,
		Connection:       i.Connection,
		Protocol:         i.Protocol,
		TCPHost:          i.TCPHost,
		TCPPort:          i.TCPPort,
		StartedAt:        i.StartedAt,
		ExpiresAt:        i.ExpiresAt,
		RemainingSeconds: view.RemainingSeconds,
		AlreadyRunning:   view.AlreadyRunning,
	}
}

type accessTokenResponse struct {
	Token      string         `json:"token"`
	Channel    domain.Channel `json:"channel"`
	ExpiresIn  int64          `json:"expires_in"`
	ProxyPath  string         `json:"proxy_path,omitempty"`
	TCPHost    string         `json:"tcp_host,omitempty"`
	TCPPort    int32          `json:"tcp_port,omitempty"`
	Passphrase string         `json:"passphrase,omitempty"`
}

type verifyFlagRequest struct {
	Flag string `json:"flag"`
}

type handshakeRequest struct {
	Token      string `json:"token"`
	Passphrase string `json:"passphrase"`
}

type handshakeResponse struct {
	TeamID      int64  `json:"team_id"`
	ChallengeID int64  `json:"challenge_id"`
	Connection  string `json:"connection"`
}

// target resolves the (team, challenge) pair every instance route acts on.
func (h *InstanceHandler) target(c echo.Context) (int64, int64, error) {
	challengeID, err := challengeIDParam(c)
	if err != nil {
		return 0, 0, err
	}
	teamID, err := teamFromContext(c)
	if err != nil {
		return 0, 0, err
	}
	return teamID, challengeID, nil
}

func (h *InstanceHandler) fail(c echo.Context, err error) error {
	if err == errInvalidChallengeID {
		return c.JSON(http.StatusBadRequest, errorResponse{Message: err.Error()})
	}
	return writeError(c, h.logger, err)
}

func (h *InstanceHandler) Spawn(c echo.Context) error {
	teamID, challengeID, err := h.target(c)
	if err != nil {
		return h.fail(c, err)
	}

	view, err := h.instances.Spawn(c.Request().Context(), teamID, challengeID)
	if err != nil {
		return h.fail(c, err)
	}

	status := http.StatusCreated
	if view.AlreadyRunning {
		status = http.StatusOK
	}
	return c.JSON(status, newInstanceResponse(view))
}

func (h *InstanceHandler) Status(c echo.Context) error {
	teamID, challengeID, err := h.target(c)
	if err != nil {
		return h.fail(c, err)
	}

	view, err := h.instances.Status(c.Request().Context(), teamID, challengeID)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, newInstanceResponse(view))
}

func (h *InstanceHandler) Extend(c echo.Context) error {
	teamID, challengeID, err := h.target(c)
	if err != nil {
		return h.fail(c, err)
	}

	view, err := h.instances.Extend(c.Request().Context(), teamID, challengeID)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, newInstanceResponse(view))
}

func (h *InstanceHandler) Terminate(c echo.Context) error {
	teamID, challengeID, err := h.target(c)
	if err != nil {
		return h.fail(c, err)
	}

	if err := h.instances.Terminate(c.Request().Context(), teamID, challengeID); err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "instance terminated"})
}

func (h *InstanceHandler) IssueToken(c echo.Context) error {
	teamID, challengeID, err := h.target(c)
	if err != nil {
		return h.fail(c, err)
	}

	token, err := h.instances.IssueAccessToken(c.Request().Context(), teamID, challengeID)
	if err != nil {
		return h.fail(c, err)
	}

	res := accessTokenResponse{
		Token:      token.Token,
		Channel:    token.Channel,
		ExpiresIn:  int64(token.ExpiresIn / time.Second),
		TCPHost:    token.TCPHost,
		TCPPort:    token.TCPPort,
		Passphrase: token.Passphrase,
	}
	if token.Channel == domain.ChannelHTTP {
		res.ProxyPath = proxyPrefix + token.Token + "/"
	}
	return c.JSON(http.StatusOK, res)
}

func (h *InstanceHandler) VerifyFlag(c echo.Context) error {
	teamID, challengeID, err := h.target(c)
	if err != nil {
		return h.fail(c, err)
	}

	var req verifyFlagRequest
	if err := c.Bind(&req); err != nil || req.Flag == "" {
		return c.JSON(http.StatusBadRequest, errorResponse{Message: "flag is required"})
	}

	correct, err := h.instances.VerifyFlag(c.Request().Context(), teamID, challengeID, req.Flag)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"correct": correct})
}

// TCPHandshake is called by the TCP gateway, not by players.
func (h *InstanceHandler) TCPHandshake(c echo.Context) error {
	var req handshakeRequest
	if err := c.Bind(&req); err != nil || req.Token == "" || req.Passphrase == "" {
		return c.JSON(http.StatusBadRequest, errorResponse{Message: "token and passphrase are required"})
	}

	target, err := h.instances.VerifyTCPHandshake(c.Request().Context(), req.Token, req.Passphrase)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, handshakeResponse{
		TeamID:      target.TeamID,
		ChallengeID: target.ChallengeID,
		Connection:  target.Connection,
	})
}
