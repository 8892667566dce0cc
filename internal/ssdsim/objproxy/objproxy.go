// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package objproxy is a proxy for ObjectUploadDownloaderAt which limits the
// number of concurrent backend requests and serves page reads before page
// writes.
package objproxy

import (
	"errors"
	"sync"
)

// ErrNotFound is returned by DownloadAt for objects which do not exist.
var ErrNotFound = errors.New("object not found")

// Interface for the object backend. Anything implementing this interface can
// be used to hold flash pages.
type ObjectUploadDownloaderAt interface {
	// Uploads data in buf under the key identifier.
	Upload(key int64, buf []byte) error

	// Downloads data into buf starting from offset in the object
	// identified by key. The length of buf is the legth of requested data.
	// Missing object is reported as ErrNotFound.
	DownloadAt(key int64, buf []byte, offset int64) error

	// Deletes object identified by key and all successive objects. Used
	// for formatting the device.
	DeleteKeyAndSuccessors(key int64) error
}

// Proxy for the backend storage which prioritizes requests. Requests coming to
// the priority channels are handled first. Like this host reads do not wait
// behind the read-modify-write traffic of partial page programs.
type ObjectProxy struct {
	Instance ObjectUploadDownloaderAt

	// Number of go routines to spawn for handling upload requests and
	// download requests.
	uploaders   int
	downloaders int

	// Internal channels.
	uploads       chan request
	downloads     chan request
	uploadsPrio   chan request
	downloadsPrio chan request

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// Request is internal structure for wrapping the communication into channels.
type request struct {
	key    int64
	data   []byte
	offset int64
	done   chan error
}

// Return new instance of the proxy which can be directly used. It immediately
// spawns go routines for upload and download workers.
func New(storeInstance ObjectUploadDownloaderAt, uploaders, downloaders int) *ObjectProxy {
	if uploaders <= 0 {
		uploaders = 1
	}

	if downloaders <= 0 {
		downloaders = 1
	}

	p := &ObjectProxy{
		Instance:      storeInstance,
		uploaders:     uploaders,
		downloaders:   downloaders,
		uploads:       make(chan request),
		downloads:     make(chan request),
		uploadsPrio:   make(chan request),
		downloadsPrio: make(chan request),
		stop:          make(chan struct{}),
	}

	p.wg.Add(p.uploaders + p.downloaders)

	for i := 0; i < p.uploaders; i++ {
		go p.uploadWorker()
	}

	for i := 0; i < p.downloaders; i++ {
		go p.downloadWorker()
	}

	return p
}

// Proxy function for uploading the object with key. It selects the right
// channel according to prio and waits for reply.
func (p *ObjectProxy) Upload(key int64, body []byte, prio bool) error {
	c := p.uploads
	if prio {
		c = p.uploadsPrio
	}

	return p.submit(c, request{key: key, data: body})
}

// Proxy function for downloading the object with key. It selects the right
// channel according to prio and waits for reply.
func (p *ObjectProxy) Download(key int64, chunk []byte, offset int64, prio bool) error {
	c := p.downloads
	if prio {
		c = p.downloadsPrio
	}

	return p.submit(c, request{key: key, data: chunk, offset: offset})
}

// Close stops all workers. Requests issued after Close fail.
func (p *ObjectProxy) Close() {
	p.once.Do(func() {
		close(p.stop)
	})
	p.wg.Wait()
}

var errClosed = errors.New("object proxy closed")

func (p *ObjectProxy) submit(c chan request, r request) error {
	r.done = make(chan error, 1)

	select {
	case c <- r:
	case <-p.stop:
		return errClosed
	}

	return <-r.done
}

// Generic function for prioritization used by both, uploader and downloader
// workers. Returns false when the proxy is closing.
func (p *ObjectProxy) receiveRequest(prio chan request, normal chan request) (request, bool) {
	var r request

	select {
	case r = <-prio:
	default:
		select {
		case r = <-prio:
		case r = <-normal:
		case <-p.stop:
			return r, false
		}
	}

	return r, true
}

// Upload worker just calls Upload() on the instance provided in New().
func (p *ObjectProxy) uploadWorker() {
	defer p.wg.Done()

	for {
		r, ok := p.receiveRequest(p.uploadsPrio, p.uploads)
		if !ok {
			return
		}
		r.done <- p.Instance.Upload(r.key, r.data)
	}
}

// Download worker just calls DownloadAt() on the instance provided in New().
func (p *ObjectProxy) downloadWorker() {
	defer p.wg.Done()

	for {
		r, ok := p.receiveRequest(p.downloadsPrio, p.downloads)
		if !ok {
			return
		}
		r.done <- p.Instance.DownloadAt(r.key, r.data, r.offset)
	}
}
