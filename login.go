package ftpsession

import (
	"context"
	"fmt"
	"strings"
)

// Prompter supplies credentials the caller left blank. echo is false for
// secrets.
type Prompter interface {
	Ask(prompt, def string, echo bool) (string, error)
}

// PrompterFunc adapts a function to the Prompter interface.
type PrompterFunc func(prompt, def string, echo bool) (string, error)

func (f PrompterFunc) Ask(prompt, def string, echo bool) (string, error) {
	return f(prompt, def, echo)
}

// anonymousUsers are the user names that select an anonymous login.
var anonymousUsers = []string{"anonymous", "ftp"}

func isAnonymousUser(user string) bool {
	for _, a := range anonymousUsers {
		if strings.EqualFold(user, a) {
			return true
		}
	}
	return false
}

type loginState int

const (
	loginSendUser loginState = iota
	loginNeedPassword
	loginNeedAccount
	loginLoggedIn
	loginRejected
)

func (st loginState) String() string {
	switch st {
	case loginSendUser:
		return "send-user"
	case loginNeedPassword:
		return "need-password"
	case loginNeedAccount:
		return "need-account"
	case loginLoggedIn:
		return "logged-in"
	default:
		return "rejected"
	}
}

// nextLoginState maps the reply to the command sent in state cur to the
// next state. Any code the state does not expect rejects the login.
func nextLoginState(cur loginState, code int) loginState {
	switch cur {
	case loginSendUser:
		switch code {
		case 230:
			return loginLoggedIn
		case 331:
			return loginNeedPassword
		case 332:
			return loginNeedAccount
		}
	case loginNeedPassword:
		switch code {
		case 230, 202:
			return loginLoggedIn
		case 332:
			return loginNeedAccount
		}
	case loginNeedAccount:
		switch code {
		case 230, 202:
			return loginLoggedIn
		}
	}
	return loginRejected
}

// Login walks the USER/PASS/ACCT handshake.
//
// A blank user is asked from the prompter, defaulting to "anonymous". A
// blank password for an anonymous user is replaced by the configured
// anonymous password; otherwise blank fields are asked from the prompter
// when the server needs them. On rejection the error is a *LoginError
// carrying the server's text.
//
// Example:
//
//	if err := s.Login(ctx, "anonymous", "", ""); err != nil {
//	    log.Fatal(err)
//	}
func (s *Session) Login(ctx context.Context, user, pass, acct string) error {
	if s.transferring.Load() {
		return ErrTransferInProgress
	}

	if user == "" {
		var err error
		if user, err = s.ask(fmt.Sprintf("Name (%s): ", s.host), "anonymous", true); err != nil {
			return &LoginError{Step: "USER", Err: err}
		}
		if user == "" {
			user = "anonymous"
		}
	}
	anonymous := isAnonymousUser(user)

	state := loginSendUser
	for {
		var step, arg string
		var policy PrintPolicy
		switch state {
		case loginSendUser:
			step, arg = "USER", user
		case loginNeedPassword:
			if pass == "" {
				if anonymous {
					pass = s.anonPassword
				} else {
					var err error
					if pass, err = s.ask("Password: ", "", false); err != nil {
						return &LoginError{Step: "PASS", Err: err}
					}
				}
			}
			step, arg = "PASS", pass
			if anonymous {
				policy = PrintNever
			}
		case loginNeedAccount:
			if acct == "" {
				var err error
				if acct, err = s.ask("Account: ", "", false); err != nil {
					return &LoginError{Step: "ACCT", Err: err}
				}
			}
			step, arg = "ACCT", acct
		case loginLoggedIn:
			s.mu.Lock()
			s.anonymous = anonymous
			s.user = user
			s.mu.Unlock()
			s.logger.Info("logged in", "user", user, "anonymous", anonymous)
			return nil
		default:
			panic("unreachable login state " + state.String())
		}

		resp := &Response{Print: policy}
		if err := s.roundTrip(ctx, resp, step, arg); err != nil {
			s.logger.Debug("login aborted", "state", state, "error", err)
			return &LoginError{Step: step, Err: err}
		}

		next := nextLoginState(state, resp.Code)
		s.logger.Debug("login transition", "from", state, "to", next, "code", resp.Code)
		if next == loginRejected {
			return &LoginError{Step: step, Response: resp, Err: newProtocolError(step+" "+arg, resp)}
		}
		state = next
	}
}

// ask consults the prompter, returning def when there is none.
func (s *Session) ask(prompt, def string, echo bool) (string, error) {
	if s.prompter == nil {
		return def, nil
	}
	return s.prompter.Ask(prompt, def, echo)
}
