package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
)

const (
	DialectSQLite   = "sqlite3"
	DialectPostgres = "postgres"
)

var ErrNotConnected = errors.New("whatsapp client not connected")

// OpenSQLiteStore opens (creating if needed) the SQLite file holding device credentials.
func OpenSQLiteStore(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create session dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open session database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open session database: %w", err)
	}
	return db, nil
}

// WhatsAppDriver connects through whatsmeow, keeping device credentials in a SQL store.
type WhatsAppDriver struct {
	container *sqlstore.Container
	log       waLog.Logger

	mu     sync.Mutex
	client *whatsmeow.Client
}

// NewWhatsAppDriver prepares the credential store. dialect is DialectSQLite or DialectPostgres.
func NewWhatsAppDriver(ctx context.Context, db *sql.DB, dialect, deviceName string, log waLog.Logger) (*WhatsAppDriver, error) {
	if deviceName != "" {
		store.DeviceProps.Os = proto.String(deviceName)
	}

	container := sqlstore.NewWithDB(db, dialect, log.Sub("Database"))
	if err := container.Upgrade(ctx); err != nil {
		return nil, fmt.Errorf("upgrade session store: %w", err)
	}

	return &WhatsAppDriver{container: container, log: log}, nil
}

func (d *WhatsAppDriver) Start(ctx context.Context, sink EventSink) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.client != nil {
		d.client.Disconnect()
		d.client = nil
	}

	device, err := d.container.GetFirstDevice(ctx)
	if err != nil {
		return fmt.Errorf("load device: %w", err)
	}

	client := whatsmeow.NewClient(device, d.log.Sub("Client"))
	client.AddEventHandler(d.eventHandler(sink))

	if client.Store.ID == nil {
		qrChan, err := client.GetQRChannel(ctx)
		if err != nil {
			return fmt.Errorf("open pairing channel: %w", err)
		}
		if err := client.Connect(); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		go d.watchPairing(qrChan, sink)
	} else if err := client.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	d.client = client
	return nil
}

func (d *WhatsAppDriver) watchPairing(qrChan <-chan whatsmeow.QRChannelItem, sink EventSink) {
	for item := range qrChan {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			sink.OnPairingChallenge(item.Code)
		case whatsmeow.QRChannelSuccess.Event:
			return
		case whatsmeow.QRChannelTimeout.Event:
			sink.OnAuthFailure(errors.New("pairing timed out before the QR code was scanned"))
			return
		default:
			err := item.Error
			if err == nil {
				err = fmt.Errorf("pairing failed: %s", item.Event)
			}
			sink.OnAuthFailure(err)
			return
		}
	}
}

func (d *WhatsAppDriver) eventHandler(sink EventSink) func(evt interface{}) {
	return func(evt interface{}) {
		defer func() {
			if r := recover(); r != nil {
				d.log.Errorf("Recovered panic in event handler: %v", r)
			}
		}()

		switch v := evt.(type) {
		case *events.PairSuccess:
			sink.OnAuthenticated()
		case *events.Connected:
			sink.OnReady()
		case *events.LoggedOut:
			sink.OnDisconnected(fmt.Sprintf("logged out: %v", v.Reason), true)
		case *events.StreamReplaced:
			sink.OnDisconnected("stream replaced by another connection", false)
		case *events.Disconnected:
			sink.OnDisconnected("connection lost", false)
		case *events.ConnectFailure:
			sink.OnAuthFailure(fmt.Errorf("connect failure %v: %s", v.Reason, v.Message))
		case *events.ClientOutdated:
			sink.OnAuthFailure(errors.New("whatsapp client version outdated"))
		case *events.TemporaryBan:
			sink.OnAuthFailure(fmt.Errorf("temporary ban (code %v), expires in %s", v.Code, v.Expire))
		case *events.PairError:
			sink.OnAuthFailure(fmt.Errorf("pairing failed: %w", v.Error))
		}
	}
}

// Send delivers a plain text message. phone may carry a leading +.
func (d *WhatsAppDriver) Send(ctx context.Context, phone, text string) error {
	d.mu.Lock()
	client := d.client
	d.mu.Unlock()

	if client == nil || !client.IsConnected() {
		return ErrNotConnected
	}

	jid := types.NewJID(strings.TrimPrefix(phone, "+"), types.DefaultUserServer)
	_, err := client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(text),
	})
	return err
}

func (d *WhatsAppDriver) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.client != nil {
		d.client.Disconnect()
		d.client = nil
	}
}
