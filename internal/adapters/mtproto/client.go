package mtproto

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
	"github.com/rs/zerolog"
)

// ClientOptions описывает доступ пользовательской сессии.
type ClientOptions struct {
	APIID    int
	APIHash  string
	Phone    string
	Password string
	// Input и Output нужны для первого входа: код подтверждения и пароль 2FA.
	Input  io.Reader
	Output io.Writer
}

// Client запускает gotd-клиент с сессией из хранилища и входит при необходимости.
type Client struct {
	client *telegram.Client
	opts   ClientOptions
	log    zerolog.Logger
}

// NewClient создаёт клиента.
func NewClient(opts ClientOptions, sessions *SessionStore, logger zerolog.Logger) *Client {
	client := telegram.NewClient(opts.APIID, opts.APIHash, telegram.Options{SessionStorage: sessions})
	return &Client{client: client, opts: opts, log: logger}
}

// Run подключается, проходит авторизацию и вызывает fn с MTProto API.
func (c *Client) Run(ctx context.Context, fn func(ctx context.Context, api *tg.Client) error) error {
	return c.client.Run(ctx, func(ctx context.Context) error {
		flow := auth.NewFlow(newTerminalAuth(c.opts), auth.SendCodeOptions{})
		if err := c.client.Auth().IfNecessary(ctx, flow); err != nil {
			return fmt.Errorf("авторизация MTProto: %w", err)
		}
		self, err := c.client.Self(ctx)
		if err != nil {
			return fmt.Errorf("получение профиля: %w", err)
		}
		c.log.Info().Int64("user", self.ID).Str("username", self.Username).Msg("mtproto: сессия авторизована")
		return fn(ctx, c.client.API())
	})
}

// terminalAuth запрашивает код и пароль 2FA в терминале.
type terminalAuth struct {
	phone    string
	password string
	in       *bufio.Reader
	out      io.Writer
}

var _ auth.UserAuthenticator = (*terminalAuth)(nil)

func newTerminalAuth(opts ClientOptions) *terminalAuth {
	out := opts.Output
	if out == nil {
		out = io.Discard
	}
	var in *bufio.Reader
	if opts.Input != nil {
		in = bufio.NewReader(opts.Input)
	}
	return &terminalAuth{phone: opts.Phone, password: opts.Password, in: in, out: out}
}

func (a *terminalAuth) Phone(ctx context.Context) (string, error) {
	if a.phone != "" {
		return a.phone, nil
	}
	return a.ask(ctx, "Номер телефона: ")
}

func (a *terminalAuth) Password(ctx context.Context) (string, error) {
	if a.password != "" {
		return a.password, nil
	}
	return a.ask(ctx, "Пароль двухфакторной аутентификации: ")
}

func (a *terminalAuth) Code(ctx context.Context, _ *tg.AuthSentCode) (string, error) {
	return a.ask(ctx, "Код из Telegram: ")
}

func (a *terminalAuth) AcceptTermsOfService(_ context.Context, tos tg.HelpTermsOfService) error {
	return &auth.SignUpRequired{TermsOfService: tos}
}

func (a *terminalAuth) SignUp(context.Context) (auth.UserInfo, error) {
	return auth.UserInfo{}, errors.New("регистрация нового аккаунта не поддерживается")
}

func (a *terminalAuth) ask(ctx context.Context, prompt string) (string, error) {
	if a.in == nil {
		return "", errors.New("нужен интерактивный вход, но ввод недоступен")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	fmt.Fprint(a.out, prompt)
	line, err := a.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("чтение ввода: %w", err)
	}
	value := strings.TrimSpace(line)
	if value == "" {
		return "", errors.New("пустой ввод")
	}
	return value, nil
}
