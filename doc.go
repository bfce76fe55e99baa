// Package ftpsession implements the client side of an FTP session: the
// control connection, data connection negotiation, payload transfer and the
// login handshake.
//
// # Overview
//
// A Session provides:
//   - Timeout-bounded reads and writes on every connection
//   - A control channel that refuses Telnet option negotiation
//   - Passive mode (PASV) with fallback to active mode (PORT)
//   - Stream and block transmission modes, raw and text content types
//   - Restartable transfers (REST) and a clean abort handshake (ABOR)
//   - A USER/PASS/ACCT login state machine with anonymous logins
//
// # Basic Usage
//
// Connect and log in anonymously:
//
//	s, err := ftpsession.Dial(ctx, "ftp.example.com:21")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer s.Quit(ctx)
//
//	if err := s.Login(ctx, "anonymous", "", ""); err != nil {
//	    log.Fatal(err)
//	}
//
// Dial reports failures as *ConnectError. Its Kind separates failures that
// redialing cannot fix (unknown host, a 5xx greeting) from transient ones;
// DialRetry uses it to decide whether to try again.
//
// # Data Connections
//
// Every transfer opens a fresh data connection. PASV is tried first. If the
// server refuses it, advertises an address that is out of range or refuses
// the connection, the session falls back to PORT unless WithPassiveFallback
// disabled that. A server that answers PASV with a 5xx is not asked again.
//
// # File Transfers
//
// Download a file, resuming a previous partial download:
//
//	stats, err := s.DownloadFile(ctx, "pub/file.tar.gz", "file.tar.gz",
//	    ftpsession.FileOptions{Resume: true})
//
// Transfer gives full control over framing, content type and restart
// offset, and works with any io.Reader or io.Writer:
//
//	_, err := s.Transfer(ctx, ftpsession.TransferRequest{
//	    Direction: ftpsession.Upload,
//	    Path:      "notes.txt",
//	    Framing:   ftpsession.FramingBlock,
//	    Content:   ftpsession.ContentText,
//	    Source:    strings.NewReader("line one\nline two\n"),
//	})
//
// # Aborting
//
// Canceling the context passed to Transfer aborts it: a partial local file
// gets the remote modification time, ABOR is sent, the data connection is
// closed and the server's replies are consumed. The returned *TransferError
// has Aborted set, and SessionClosed tells whether the control connection
// survived.
//
// # Error Handling
//
// Errors returned by this package include detailed protocol context:
//
//	if _, err := s.Transfer(ctx, req); err != nil {
//	    var pe *ftpsession.ProtocolError
//	    if errors.As(err, &pe) {
//	        fmt.Printf("Command: %s\n", pe.Command)
//	        fmt.Printf("Response: %s\n", pe.Response)
//	        fmt.Printf("Code: %d\n", pe.Code)
//	    }
//	}
//
// A 421 reply or an unexpected end of the control connection tears the
// session down; later calls return ErrNotConnected.
package ftpsession
