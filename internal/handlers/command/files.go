package command

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"odin-chat-server/internal/apperr"
	"odin-chat-server/internal/channel"
	"odin-chat-server/internal/filemanager"
	"odin-chat-server/internal/registry"
	"odin-chat-server/internal/store"
	"odin-chat-server/internal/wire"
)

// handleUploadFile implements §4.8 step 1-3: dedupe by hash, else reserve
// a fresh id and open a staging session the DATA channel's FileChunks
// will fill in.
func (h *Handler) handleUploadFile(ctx context.Context, conn *channel.Connection, req wire.CommandRequest) {
	userID := req.Sender
	if userID == "" || len(req.Args) < 2 {
		h.refuse(conn, "missing file-hash or file-size")
		return
	}
	hash := req.Args[0]
	size, err := strconv.ParseUint(req.Args[1], 10, 64)
	if err != nil {
		h.refuse(conn, "malformed file-size")
		return
	}

	if existing, err := h.store.GetFileByHash(ctx, hash); err == nil {
		if h.metrics != nil {
			h.metrics.FilesDeduped.Inc()
		}
		h.replyTo(conn, wire.ActionDenyFile, hash, "1", existing.FileID)
		return
	} else if err != store.ErrNotFound {
		h.logErr("store.GetFileByHash", err)
		h.refuse(conn, "internal error")
		return
	}

	fileID, err := h.files.BeginUpload(ctx, userID, "", hash, size)
	if err != nil {
		h.logErr("filemanager.BeginUpload", err)
		h.refuse(conn, "upload already in progress")
		return
	}
	h.replyTo(conn, wire.ActionAcceptFile, fileID)
}

// HandleFileChunk implements demux.FileChunkHandler (§4.8 step 4-5):
// write the chunk to its slot, and on the last chunk verify completeness
// and commit by hash.
func (h *Handler) HandleFileChunk(conn *channel.Connection, chunk wire.FileChunk) {
	if err := h.files.WriteChunk(chunk.FileID, chunk.ChunkIndex, chunk.Data); err != nil {
		h.logErr("filemanager.WriteChunk", err)
		return
	}
	if h.metrics != nil {
		h.metrics.BytesTransferred.Add(float64(len(chunk.Data)))
	}
	if !chunk.IsLast {
		return
	}

	ctx := context.Background()
	complete, err := h.files.IsComplete(chunk.FileID)
	if err != nil {
		h.logErr("filemanager.IsComplete", err)
		return
	}
	if !complete {
		h.files.CancelUpload(chunk.FileID)
		return
	}

	f, err := h.files.CommitUpload(ctx, chunk.FileID)
	if err != nil {
		h.logErr("filemanager.CommitUpload", err)
		if userID := conn.UserID(); userID != "" {
			h.pushTo(userID, wire.ActionRefused, chunk.FileID)
		}
		return
	}
	if h.metrics != nil {
		h.metrics.FilesUploaded.Inc()
	}
	if userID := conn.UserID(); userID != "" {
		h.pushTo(userID, wire.ActionSuccess, f.FileID, f.FileHash)
	}
}

// handleDownloadFile implements §4.8's download path: reply with the
// file's metadata, then stream every chunk on DATA.
func (h *Handler) handleDownloadFile(ctx context.Context, conn *channel.Connection, req wire.CommandRequest) {
	userID := req.Sender
	if userID == "" || len(req.Args) < 1 {
		h.refuse(conn, "missing file-id")
		return
	}
	f, err := h.store.GetFileByID(ctx, req.Args[0])
	if err != nil {
		h.replyTo(conn, wire.ActionDenyFileReq)
		return
	}
	h.replyTo(conn, wire.ActionAcceptFileReq, f.FileName, f.FileHash, strconv.FormatUint(f.FileSize, 10))
	go h.streamFileDownload(userID, f)
}

func (h *Handler) streamFileDownload(userID string, f *store.File) {
	ctx := context.Background()
	sender := h.registry.Get(userID, registry.ChannelData)
	if sender == nil {
		return
	}
	dataConn, ok := sender.(*channel.Connection)
	if !ok {
		return
	}

	totalChunks := uint32((f.FileSize + filemanager.ChunkSize - 1) / filemanager.ChunkSize)
	if f.FileSize == 0 {
		totalChunks = 1
	}
	for idx := uint32(0); idx < totalChunks; idx++ {
		data, isLast, err := h.files.ReadChunk(ctx, f.FileHash, idx)
		if err != nil {
			if apperr.Is(err, apperr.KindNotFound) {
				h.logger.Warn().Str("file_id", f.FileID).Msg("download aborted, blob missing")
			} else {
				h.logErr("filemanager.ReadChunk", err)
			}
			return
		}
		chunk := wire.FileChunk{FileID: f.FileID, Data: data, ChunkIndex: idx, TotalChunks: totalChunks, IsLast: isLast}
		env, err := wire.Encode(userID, wire.PayloadFileChunk, chunk)
		if err != nil {
			h.logErr("wire.Encode(FileChunk)", err)
			return
		}
		payload, err := json.Marshal(env)
		if err != nil {
			h.logErr("json.Marshal(FileChunk envelope)", err)
			return
		}
		if err := dataConn.Send(payload); err != nil {
			h.logger.Debug().Err(err).Str("user_id", userID).Msg("download stream interrupted")
			return
		}
		if h.metrics != nil {
			h.metrics.BytesTransferred.Add(float64(len(data)))
		}
		if !isLast {
			time.Sleep(h.downloadPace)
		}
	}
	if h.metrics != nil {
		h.metrics.FilesDownloaded.Inc()
	}
}
